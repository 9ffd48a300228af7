package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			BuildID: "b-001",
			Version: 3,
			Key:     "file/src/main.go",
			Msg:     "node_computed",
			Meta: map[string]interface{}{
				"duration_ms": 12,
			},
		})

		output := buf.String()
		if !strings.HasPrefix(output, "[node_computed]") {
			t.Errorf("output does not start with message: %s", output)
		}
		if !strings.Contains(output, "buildID=b-001") {
			t.Errorf("output missing buildID: %s", output)
		}
		if !strings.Contains(output, "version=3") {
			t.Errorf("output missing version: %s", output)
		}
		if !strings.Contains(output, "key=file/src/main.go") {
			t.Errorf("output missing key: %s", output)
		}
		if !strings.Contains(output, "duration_ms") {
			t.Errorf("output missing meta: %s", output)
		}
	})

	t.Run("omits meta when empty", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{BuildID: "b-001", Msg: "build_start"})

		if strings.Contains(buf.String(), "meta=") {
			t.Errorf("empty meta rendered: %s", buf.String())
		}
	})

	t.Run("one line per event", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{BuildID: "b-001", Msg: "build_start"})
		emitter.Emit(Event{BuildID: "b-001", Msg: "build_done"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines, got %d: %s", len(lines), buf.String())
		}
	})
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	t.Run("emits valid JSONL", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		emitter.Emit(Event{
			BuildID: "b-001",
			Version: 7,
			Key:     "file/a.go",
			Msg:     "node_computed",
			Meta:    map[string]interface{}{"duration_ms": 4},
		})
		emitter.Emit(Event{
			BuildID: "b-001",
			Version: 7,
			Msg:     "build_done",
		})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}

		var first map[string]interface{}
		if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
			t.Fatalf("line 1 is not valid JSON: %v", err)
		}
		if first["buildID"] != "b-001" {
			t.Errorf("buildID = %v, want b-001", first["buildID"])
		}
		if first["version"] != float64(7) {
			t.Errorf("version = %v, want 7", first["version"])
		}
		if first["msg"] != "node_computed" {
			t.Errorf("msg = %v, want node_computed", first["msg"])
		}
		meta, ok := first["meta"].(map[string]interface{})
		if !ok || meta["duration_ms"] != float64(4) {
			t.Errorf("meta = %v", first["meta"])
		}
	})

	t.Run("nil writer defaults to stdout", func(t *testing.T) {
		emitter := NewLogEmitter(nil, false)
		if emitter.writer == nil {
			t.Error("writer not defaulted")
		}
	})
}

func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()
	// Must not panic on any event shape.
	emitter.Emit(Event{})
	emitter.Emit(Event{BuildID: "b-001", Msg: "node_computed", Meta: map[string]interface{}{"x": 1}})
}
