package domain

// ValidTransition reports whether a job may move from one state to another.
// Terminal states accept no further transitions. A state may repeat itself so
// progress patches on an already-processing job pass through.
func ValidTransition(from, to JobState) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case JobPending:
		return to == JobProcessing || to == JobCancelled || to == JobFailed
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}
