// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ovenlink

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 500
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 500
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// buildRandomStream creates a byte stream of valid telemetry and reply frames
// interleaved with garbage and corrupted frames
func buildRandomStream(t *testing.T, rng *rand.Rand) []byte {
	t.Helper()
	var stream []byte
	frames := rng.Intn(20) + 1

	for i := 0; i < frames; i++ {
		var frame []byte
		var err error
		switch rng.Intn(3) {
		case 0, 1:
			frame, err = EncodeTelemetry(Telemetry{
				TemperatureCelsius: rng.Float64() * 300,
				HeaterDutyPercent:  uint8(rng.Intn(101)),
				Fault:              FaultCode(rng.Intn(2)),
				DeviceUptime:       time.Duration(rng.Intn(1_000_000)) * time.Millisecond,
			})
		case 2:
			frame, err = EncodeAck(uint16(rng.Intn(0x10000)))
		}
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		switch rng.Intn(6) {
		case 0:
			// Corrupt one byte after the sentinel
			frame[1+rng.Intn(len(frame)-1)] ^= byte(rng.Intn(255) + 1)
		case 1:
			garbage := make([]byte, rng.Intn(8))
			rng.Read(garbage)
			stream = append(stream, garbage...)
		}

		stream = append(stream, frame...)
	}

	return stream
}

// splitRandomly splits data into chunks at random boundaries
func splitRandomly(rng *rand.Rand, data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := rng.Intn(len(data)) + 1
		if n > 16 && rng.Intn(2) == 0 {
			n = rng.Intn(16) + 1
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder(WithMaxUnsynced(64))

		length := rng.Intn(512) + 1
		data := make([]byte, length)
		rng.Read(data)

		d.Feed(data)
		if d.Buffered() > len(data) {
			t.Fatalf("round %d: decoder buffered %d bytes from %d input", i, d.Buffered(), len(data))
		}
	}
}

// TestFuzzDecoder_ChunkBoundaryIndependence verifies that any split of a
// stream decodes to the same records as the whole stream
func TestFuzzDecoder_ChunkBoundaryIndependence(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		stream := buildRandomStream(t, rng)

		whole := NewDecoder(WithClock(fixedClock))
		wantRecords, wantErrs := whole.Feed(stream)

		chunked := NewDecoder(WithClock(fixedClock))
		var gotRecords []Record
		var gotErrs []error
		for _, chunk := range splitRandomly(rng, stream) {
			r, e := chunked.Feed(chunk)
			gotRecords = append(gotRecords, r...)
			gotErrs = append(gotErrs, e...)
		}

		if len(gotRecords) != len(wantRecords) {
			t.Fatalf("round %d: chunked decode produced %d records, whole produced %d", i, len(gotRecords), len(wantRecords))
		}
		for j := range wantRecords {
			if gotRecords[j] != wantRecords[j] {
				t.Fatalf("round %d record %d differs:\nchunked: %+v\nwhole:   %+v", i, j, gotRecords[j], wantRecords[j])
			}
		}
		if len(gotErrs) != len(wantErrs) {
			t.Fatalf("round %d: chunked decode produced %d errors, whole produced %d", i, len(gotErrs), len(wantErrs))
		}
		if chunked.Buffered() != whole.Buffered() {
			t.Fatalf("round %d: buffered %d vs %d", i, chunked.Buffered(), whole.Buffered())
		}
	}
}
