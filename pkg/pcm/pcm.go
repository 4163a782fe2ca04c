// Package pcm provides small PCM helpers shared by the capture, gate,
// session and sink packages: sample format conversion and fixed-size
// chunk accumulation.
package pcm

import "sync"

// Int16ToFloat64 converts int16 PCM to float64 in [-1.0, 1.0].
func Int16ToFloat64(samples []int16) []float64 {
	result := make([]float64, len(samples))
	for i, sample := range samples {
		result[i] = float64(sample) / 32768.0
	}
	return result
}

// Float32ToInt16 converts float32 PCM in [-1.0, 1.0] to int16,
// clamping out-of-range values.
func Float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, sample := range samples {
		scaled := float64(sample) * 32768.0
		switch {
		case scaled > 32767.0:
			result[i] = 32767
		case scaled < -32768.0:
			result[i] = -32768
		default:
			result[i] = int16(scaled)
		}
	}
	return result
}

// BytesToInt16 interprets S16LE bytes as int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16(buf []byte) []int16 {
	n := len(buf) / 2
	result := make([]int16, n)
	for i := 0; i < n; i++ {
		result[i] = int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
	}
	return result
}

// Int16ToBytes renders int16 samples as S16LE bytes.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, sample := range samples {
		buf[i*2] = byte(uint16(sample))
		buf[i*2+1] = byte(uint16(sample) >> 8)
	}
	return buf
}

// Chunker buffers incoming samples into fixed-size chunks. It is safe
// for concurrent use.
type Chunker struct {
	chunkSize int
	buffer    []int16
	mu        sync.Mutex
}

// NewChunker creates a chunker emitting chunks of exactly size samples.
func NewChunker(size int) *Chunker {
	return &Chunker{
		chunkSize: size,
		buffer:    make([]int16, 0, size),
	}
}

// Add appends samples and returns every complete chunk now available.
func (c *Chunker) Add(samples []int16) [][]int16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = append(c.buffer, samples...)

	var chunks [][]int16
	for len(c.buffer) >= c.chunkSize {
		chunk := make([]int16, c.chunkSize)
		copy(chunk, c.buffer[:c.chunkSize])
		chunks = append(chunks, chunk)
		c.buffer = c.buffer[c.chunkSize:]
	}

	return chunks
}

// Flush returns any buffered partial chunk and clears the buffer.
func (c *Chunker) Flush() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buffer) == 0 {
		return nil
	}

	chunk := make([]int16, len(c.buffer))
	copy(chunk, c.buffer)
	c.buffer = c.buffer[:0]

	return chunk
}

// Reset discards any buffered samples.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = c.buffer[:0]
}
