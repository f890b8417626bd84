package session

// CloseCode is one of the status codes spec §6 names.
type CloseCode uint16

const (
	CloseNormal         CloseCode = 1000
	CloseGoingAway      CloseCode = 1001
	CloseProtocolError  CloseCode = 1002
	CloseUnacceptable   CloseCode = 1003
	CloseNoStatus       CloseCode = 1005 // never sent on the wire, only reported internally
	CloseInvalidPayload CloseCode = 1007
	ClosePolicy         CloseCode = 1008
	CloseTooBig         CloseCode = 1009
	CloseUnexpected     CloseCode = 1011
)
