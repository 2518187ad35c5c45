package protocol

// ATTOverhead is the per-write ATT header that the negotiated MTU includes.
const ATTOverhead = 3

// DefaultMTU is the BLE 4.0 minimum MTU, assumed until the host reports more.
const DefaultMTU = 23

// ChunkBytes splits data into consecutive pieces of at most maxBytes, in
// order. Returns nil for empty data. Slices alias data.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(data) <= maxBytes {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := maxBytes
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// WritePayload returns the largest single write for a negotiated mtu.
func WritePayload(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu - ATTOverhead
}
