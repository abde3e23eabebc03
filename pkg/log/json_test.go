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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %s: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("level %v: got %v after a round trip", lv, lv2)
		}
	}

	var lv Level
	if err := lv.UnmarshalJSON([]byte("2")); err != nil || lv != Debug {
		t.Errorf("UnmarshalJSON(2): got (%v, %v), wanted Debug", lv, err)
	}
	if err := lv.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf("UnmarshalJSON(fatal): got nil error")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{Writer: &Writer{Next: &buf}, Fields: map[string]string{"board": "qemu-virt"}}
	ts := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "heap at %#x", 0x40800000)

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("record is not newline terminated: %q", line)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", line, err)
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("source: got %q, wanted json_test.go:<line>", got.Source)
	}
	got.Source = ""
	want := jsonLog{
		Msg:    "heap at 0x40800000",
		Level:  Info,
		Time:   ts,
		Fields: map[string]string{"board": "qemu-virt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}
