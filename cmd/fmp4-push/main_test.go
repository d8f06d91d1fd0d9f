package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/moqpub/internal/bmff/bmfftest"
)

func TestCountBoxes(t *testing.T) {
	t.Parallel()
	data := bytes.Join([][]byte{bmfftest.Ftyp(), bmfftest.Keyframe(1, 0), bmfftest.Mdat(3000)}, nil)
	n, err := countBoxes(data)
	if err != nil || n != 3 {
		t.Errorf("countBoxes = %d, %v; want 3", n, err)
	}
	if _, err := countBoxes(data[:len(data)-1]); err == nil {
		t.Error("truncated file accepted")
	}
}

type chunkRecorder struct {
	chunks [][]byte
	failAt int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	if c.failAt > 0 && len(c.chunks) == c.failAt {
		return 0, errors.New("connection lost")
	}
	c.chunks = append(c.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func TestPush(t *testing.T) {
	t.Parallel()
	data := bytes.Repeat([]byte{0xab}, 3*chunkSize+100)

	var rec chunkRecorder
	var slept time.Duration
	if err := push(&rec, data, 1000, func(d time.Duration) { slept += d }); err != nil {
		t.Fatal(err)
	}
	if len(rec.chunks) != 4 || len(rec.chunks[3]) != 100 {
		t.Fatalf("chunks = %d, last %d bytes", len(rec.chunks), len(rec.chunks[len(rec.chunks)-1]))
	}
	if !bytes.Equal(bytes.Join(rec.chunks, nil), data) {
		t.Error("pushed bytes differ")
	}
	// The fake sleep does not advance the clock, so the total is at
	// least the four seconds 4048 bytes take at 1000 B/s.
	if slept < 4*time.Second {
		t.Errorf("slept %v, want at least 4s", slept)
	}

	rec = chunkRecorder{}
	slept = 0
	if err := push(&rec, data, 0, func(d time.Duration) { slept += d }); err != nil || slept != 0 {
		t.Errorf("unpaced push: err %v, slept %v", err, slept)
	}
}

func TestPush_WriteError(t *testing.T) {
	t.Parallel()
	rec := chunkRecorder{failAt: 2}
	err := push(&rec, bytes.Repeat([]byte{1}, 5*chunkSize), 0, func(time.Duration) {})
	if err == nil || len(rec.chunks) != 2 {
		t.Errorf("err %v after %d chunks", err, len(rec.chunks))
	}
}
