package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"github.com/gofrs/uuid"
)

const (
	bytesInUint64 = 8
	hexset        = "0123456789abcdef"
)

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // change ids only need to be unique per client
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
		scratch: make([]byte, bytesInUint64),
	}
}

type source struct {
	mut     sync.Mutex
	rng     *rand.Rand
	scratch []byte
}

// read fills bytes entirely with pseudo random bytes.
func (s *source) read(bytes []byte) {
	numUint64s := len(bytes) / bytesInUint64
	remaining := len(bytes) % bytesInUint64

	s.mut.Lock()
	defer s.mut.Unlock()

	for i := range numUint64s {
		binary.LittleEndian.PutUint64(bytes[i*bytesInUint64:(i+1)*bytesInUint64], s.rng.Uint64())
	}

	if remaining > 0 {
		binary.LittleEndian.PutUint64(s.scratch, s.rng.Uint64())
		copy(bytes[numUint64s*bytesInUint64:], s.scratch[:remaining])
	}
}

// NewChangeID returns a lowercase hex change id of the given length.
// Change ids are generated per local mutation and echoed back by the server
// in the ccids of the acknowledgment.
func NewChangeID(length int) string {
	buf := make([]byte, length)
	defaultSource.read(buf)

	for i, b := range buf {
		buf[i] = hexset[int(b)&0x0f]
	}

	return string(buf)
}

// NewKey returns a fresh object key: a v4 uuid without dashes.
func NewKey() string {
	return hex32(uuid.Must(uuid.NewV4()))
}

// NewClientID returns a client identifier sent in the init handshake.
func NewClientID(prefix string) string {
	return prefix + "-" + hex32(uuid.Must(uuid.NewV4()))
}

func hex32(u uuid.UUID) string {
	buf := make([]byte, 0, 32)
	for _, b := range u.Bytes() {
		buf = append(buf, hexset[b>>4], hexset[b&0x0f])
	}
	return string(buf)
}
