package cubemsg

// EncodeFailurePayload packs the type and data of a message that could not be
// delivered into the Data field of the INVALID_ADDRESS/INVALID_DATA reply
// sent back to its originator (spec.md §7: "failure replies carry enough of
// the original message for the sender to correlate the failure").
func EncodeFailurePayload(origType Type, origData []byte) []byte {
	out := make([]byte, 1+len(origData))
	out[0] = byte(origType)
	copy(out[1:], origData)
	return out
}

// DecodeFailurePayload is the inverse of EncodeFailurePayload.
func DecodeFailurePayload(data []byte) (origType Type, origData []byte, ok bool) {
	if len(data) == 0 {
		return 0, nil, false
	}
	return Type(data[0]), data[1:], true
}
