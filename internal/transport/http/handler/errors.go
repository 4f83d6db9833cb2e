package handler

const (
	errInternalServer  = "Internal server error"
	errJobNotFound     = "Job not found"
	errInvalidJobID    = "Invalid job id"
	errInvalidStatus   = "Invalid status value"
	errInvalidCursor   = "Invalid pagination cursor"
	errJobTerminal     = "Job has already finished"
	errJobNotRetriable = "Only failed or cancelled jobs can be retried"
	errSameGoodBad     = "good_sha and bad_sha must name different commits"
	errAccessDenied    = "Access denied"
)
