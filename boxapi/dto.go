// Package boxapi implements the peer-facing HTTP handlers: five
// endpoints, bearer-token auth, and a fixed set of response codes.
// Routing is left to the embedder; this package exports
// http.HandlerFunc values for a ServeMux (or any other router) to mount.
package boxapi

// OutgoingTransactionImage is the JSON shape exchanged by the poll,
// bytes, and done endpoints. ImageID is the OutgoingImage row
// id, the key GetOutgoingImage and ListOutgoingTagValuesForImage both
// index on -- not the underlying DICOM SOPInstanceUID.
type OutgoingTransactionImage struct {
	TransactionID   string `json:"transactionId"`
	ImageID         string `json:"imageId"`
	SequenceNumber  int    `json:"sequenceNumber"`
	TotalImageCount int    `json:"totalImageCount"`
}

// FailedRequest is the body of POST /outgoing/failed.
type FailedRequest struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}
