package page

// Fill is the value of erased flash, used to pad partial pages.
const Fill = 0xFF

// Chunk is one device page worth of data.
type Chunk struct {
	Offset int    // offset of the chunk in the source buffer
	Len    int    // number of source bytes in Data
	Data   []byte // page sized, padded with Fill
}

// Split cuts data into chunks of pageSize bytes. The last chunk is padded
// to the full page size.
func Split(data []byte, pageSize int) []Chunk {
	if pageSize <= 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(data)+pageSize-1)/pageSize)
	for offset := 0; offset < len(data); offset += pageSize {
		n := min(pageSize, len(data)-offset)
		chunks = append(chunks, Chunk{
			Offset: offset,
			Len:    n,
			Data:   Pad(data[offset:offset+n], pageSize),
		})
	}

	return chunks
}

// Pad returns a copy of data extended to size bytes with Fill.
func Pad(data []byte, size int) []byte {
	result := make([]byte, max(size, len(data)))
	n := copy(result, data)
	for i := n; i < len(result); i++ {
		result[i] = Fill
	}
	return result
}

// Blank returns a page of size bytes of erased flash.
func Blank(size int) []byte {
	return Pad(nil, size)
}

// WordPair is two little-endian program words, the unit of a V2 program
// request.
type WordPair struct {
	W1, W2 uint16
}

// Words packs data into word pairs. A trailing partial group is padded
// with Fill.
func Words(data []byte) []WordPair {
	if len(data)%4 != 0 {
		data = Pad(data, len(data)+4-len(data)%4)
	}

	pairs := make([]WordPair, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		pairs = append(pairs, WordPair{
			W1: uint16(data[i+1])<<8 | uint16(data[i]),
			W2: uint16(data[i+3])<<8 | uint16(data[i+2]),
		})
	}

	return pairs
}
