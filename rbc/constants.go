package rbc

// Message classes. A target receives a message when its mask covers the flag.
const (
	FlagPosition = 1
	FlagWarning  = 2

	FlagAll = FlagPosition | FlagWarning
)

const (
	positionHeader = "position:   ,"
	warningHeader  = "warning:   ,"

	timeLayout = "2006-01-02 15:04:05.000"
)
