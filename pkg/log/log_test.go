// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if got := w.Dropped(); got != 2 {
		t.Errorf("Dropped: got %d, wanted 2", got)
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer output mismatch (-want +got):\n%s", diff)
	}
	if got := w.Dropped(); got != 0 {
		t.Errorf("Dropped after report: got %d, wanted 0", got)
	}
}

func TestWriterTerminatesLines(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{Next: &buf}
	w.Emit(0, Info, time.Time{}, "EL=%d", 2)
	w.Emit(0, Info, time.Time{}, "done.\n")
	if got, want := buf.String(), "EL=2\ndone.\n"; got != want {
		t.Errorf("Emit output: got %q, wanted %q", got, want)
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.Warningf("always")
	if got, want := buf.String(), "shown\nalways\n"; got != want {
		t.Errorf("BasicLogger at Info: got %q, wanted %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) after SetLevel(Debug): got false, wanted true")
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := &MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	m.Emit(0, Warning, time.Now(), "x=%#x", 0xf1f0)
	for i, got := range []string{a.String(), b.String()} {
		if want := "x=0xf1f0\n"; got != want {
			t.Errorf("emitter %d: got %q, wanted %q", i, got, want)
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.May, 3, 4, 5, 6, 7000, time.UTC)
	e.Emit(0, Warning, ts, "vector base %#x", 0x40000800)
	got := buf.String()
	if !strings.HasPrefix(got, "W0503 04:05:06.000007 ") {
		t.Errorf("header: got %q", got)
	}
	if !strings.HasSuffix(got, "] vector base 0x40000800\n") {
		t.Errorf("message: got %q", got)
	}
}

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}
	rl := RateLimitedLogger(l, time.Hour, 2)
	for i := 0; i < 5; i++ {
		rl.Debugf("entry %d", i)
	}
	if got, want := buf.String(), "entry 0\nentry 1\n"; got != want {
		t.Errorf("rate limited output: got %q, wanted %q", got, want)
	}
	if got := rl.Suppressed(); got != 3 {
		t.Errorf("Suppressed: got %d, wanted 3", got)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	e := &LogrusEmitter{Logger: l, Fields: logrus.Fields{"image": "kernel.efi"}}
	e.Emit(0, Info, time.Now(), "relocated %d blocks", 3)
	got := buf.String()
	for _, want := range []string{"level=info", `msg="relocated 3 blocks"`, "image=kernel.efi"} {
		if !strings.Contains(got, want) {
			t.Errorf("logrus output %q missing %q", got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": Debug, "INFO": Info, "warning": Warning, "warn": Warning} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q): got (%v, %v), wanted %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Errorf("ParseLevel(trace): got nil error")
	}
}
