// Command fmp4-push publishes a fragmented MP4 file to moqpub over SRT,
// paced at a fixed byte rate. The stream ID names the representation.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/moqpub/internal/bmff"
)

// chunkSize is seven 188-byte units, matching SRT live-mode payloads.
const chunkSize = 1316

func main() {
	fileFlag := flag.String("file", "", "fragmented MP4 file to push")
	repFlag := flag.String("rep", "", "representation (default: file name without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	rateFlag := flag.Int("kbps", 4000, "send rate in kbit/s, 0 sends unpaced")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	path := *fileFlag
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Usage: fmp4-push [-addr host:port] [-rep name] [-kbps n] file.mp4\n")
		os.Exit(2)
	}

	rep := *repFlag
	if rep == "" {
		base := filepath.Base(path)
		rep = strings.TrimSuffix(base, filepath.Ext(base))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("read file", "error", err)
		os.Exit(1)
	}
	boxes, err := countBoxes(data)
	if err != nil {
		log.Error("not a box-framed file", "file", path, "error", err)
		os.Exit(1)
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = "#!::r=" + rep + ",m=publish"
	conn, err := srt.Dial(*addrFlag, cfg)
	if err != nil {
		log.Error("SRT connect", "addr", *addrFlag, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	log.Info("pushing", "file", path, "representation", rep, "boxes", boxes, "bytes", len(data), "kbps", *rateFlag)
	start := time.Now()
	if err := push(conn, data, float64(*rateFlag)*1000/8, time.Sleep); err != nil {
		log.Error("push", "error", err)
		os.Exit(1)
	}
	log.Info("done", "elapsed", time.Since(start).Truncate(time.Millisecond))
}

// countBoxes checks that data is a whole sequence of boxes.
func countBoxes(data []byte) (int, error) {
	var r bmff.Reader
	r.Push(data)
	n := 0
	for {
		_, ok, err := r.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	if r.Buffered() != 0 {
		return n, fmt.Errorf("%d trailing bytes", r.Buffered())
	}
	return n, nil
}

// push writes data in chunks, pacing against the start time so the
// average rate is bytesPerSec. A zero rate sends unpaced.
func push(w io.Writer, data []byte, bytesPerSec float64, sleep func(time.Duration)) error {
	start := time.Now()
	var sent int
	for i := 0; i < len(data); i += chunkSize {
		end := min(i+chunkSize, len(data))
		if _, err := w.Write(data[i:end]); err != nil {
			return err
		}
		sent += end - i

		if bytesPerSec <= 0 {
			continue
		}
		expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
		if elapsed := time.Since(start); expected > elapsed {
			sleep(expected - elapsed)
		}
	}
	return nil
}
