package protocol

// VersionOffer is the client's opening VERSIONS body.
type VersionOffer struct {
	Versions []int `json:"versions"`
}

// VersionSelection is the server's VERSIONS reply when negotiation succeeds.
type VersionSelection struct {
	SelectedVersion int `json:"selected_version"`
}

// Credentials is the LOGIN body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserEntry is one element of the active-user roster carried by LOGIN_ACK,
// LOGIN_BROADCAST and LOGOUT_BROADCAST.
type UserEntry struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// ErrorBody carries an error string (VERSIONS failure, login failures,
// MSG_UNSUCCESSFUL).
type ErrorBody struct {
	Error string `json:"error"`
}

// SysBody carries a system notice (LOGOUT_ACK).
type SysBody struct {
	Sys string `json:"sys"`
}

// DirectSend is the outbound ONE_TO_ONE body. The target id travels as a
// decimal string.
type DirectSend struct {
	TargetUserID string `json:"target_user_id"`
	Msg          string `json:"msg"`
}

// MultiSend is the outbound ONE_TO_MANY body. Target ids travel as a
// comma-separated decimal list.
type MultiSend struct {
	TargetUserIDs string `json:"target_user_ids"`
	Msg           string `json:"msg"`
}

// BroadcastSend is the outbound BROADCAST body.
type BroadcastSend struct {
	Msg string `json:"msg"`
}

// ChatDelivery is the inbound shape of ONE_TO_ONE, ONE_TO_MANY and BROADCAST
// as forwarded by the server to a recipient.
type ChatDelivery struct {
	SenderUserID   int64  `json:"sender_user_id"`
	SenderUsername string `json:"sender_username"`
	Msg            string `json:"msg"`
}
