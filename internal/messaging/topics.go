package messaging

// Topic constants for the job pool messaging system
const (
	// Core pool workflow topics
	TopicChallenges        = "pool.challenges"         // jobmanager → collector, settler
	TopicSubmissions       = "pool.submissions"        // gateway → collector (HOT PATH)
	TopicSubmissionResults = "pool.submission_results" // collector → settler
	TopicSettlements       = "pool.settlements"        // settler → downstream consumers
	TopicWeights           = "pool.weights"            // settler → weight publisher
)
