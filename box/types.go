// Package box implements the persistence layer and the
// six tables it backs: Box, OutgoingTransaction, OutgoingImage,
// OutgoingTagValue, IncomingTransaction, IncomingImage.
package box

// SendMethod is how a peer box exchanges images with this node.
type SendMethod string

const (
	Push SendMethod = "PUSH"
	Poll SendMethod = "POLL"
)

// TransactionStatus is the shared status machine for both outgoing and
// incoming transactions.
type TransactionStatus string

const (
	Waiting    TransactionStatus = "WAITING"
	Processing TransactionStatus = "PROCESSING"
	Failed     TransactionStatus = "FAILED"
	Finished   TransactionStatus = "FINISHED"
)

// Box is the identity of a peer node.
type Box struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Token    string     `json:"token"`
	BaseURL  string     `json:"baseUrl"`
	Method   SendMethod `json:"method"`
	Online   bool       `json:"online"`
	LastSeen int64      `json:"lastSeen"` // epoch ms, last successful push (PUSH) or poll (POLL)

	// Profile pins a non-default anonymisation profile for this box's
	// traffic. Empty means use the node default.
	Profile string `json:"profile"`
}

// OutgoingTransaction is one logical "send N images to box B".
type OutgoingTransaction struct {
	ID              string            `json:"id"`
	BoxID           string            `json:"boxId"`
	BoxName         string            `json:"boxName"`
	SentImageCount  int               `json:"sentImageCount"`
	TotalImageCount int               `json:"totalImageCount"`
	Created         int64             `json:"created"`
	Updated         int64             `json:"updated"`
	Status          TransactionStatus `json:"status"`
}

// OutgoingImage is one image within an OutgoingTransaction.
type OutgoingImage struct {
	ID                    string `json:"id"`
	OutgoingTransactionID string `json:"outgoingTransactionId"`
	ImageID               string `json:"imageId"`
	SequenceNumber        int    `json:"sequenceNumber"`
	Sent                  bool   `json:"sent"`
}

// OutgoingTagValue is a forced attribute override applied while streaming
// one outgoing image.
type OutgoingTagValue struct {
	ID              string `json:"id"`
	OutgoingImageID string `json:"outgoingImageId"`
	Tag             uint32 `json:"tag"`
	Value           string `json:"value"`
}

// IncomingTransaction mirrors an OutgoingTransaction on the receiver
// side, keyed by (boxId, outgoingTransactionId).
type IncomingTransaction struct {
	ID                    string            `json:"id"`
	BoxID                 string            `json:"boxId"`
	OutgoingTransactionID string            `json:"outgoingTransactionId"`
	ReceivedImageCount    int               `json:"receivedImageCount"`
	AddedImageCount       int               `json:"addedImageCount"`
	TotalImageCount       int               `json:"totalImageCount"`
	Created               int64             `json:"created"`
	Updated               int64             `json:"updated"`
	Status                TransactionStatus `json:"status"`
}

// IncomingImage records one received image.
type IncomingImage struct {
	ID                    string `json:"id"`
	IncomingTransactionID string `json:"incomingTransactionId"`
	SequenceNumber        int    `json:"sequenceNumber"`
	ImageID               string `json:"imageId"`
	Overwrite             bool   `json:"overwrite"`
}
