package snapshot

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
)

func sample() models.Snapshot {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return models.Snapshot{
		TakenAt: now,
		Agents:  []models.Agent{{ID: "A", Status: models.AgentStatusIdle, Capabilities: []string{"go"}, RegisteredAt: now}},
		Locks:   []models.Lock{{ID: "l1", AgentID: "A", ResourceID: "file:a.go", Status: models.LockStatusActive, TTL: time.Minute}},
		Activity: []models.ActivityEntry{
			{ID: 1, Timestamp: now, AgentID: "A", Action: "lock.granted", Status: models.LogSuccess},
		},
	}
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "state.lwsnap")
	if err := WriteFile(path, sample()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got.Agents) != 1 || got.Locks[0].TTL != time.Minute || got.Activity[0].Action != "lock.granted" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestWrite_IsCompressed(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sample()); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), zstdMagic) {
		t.Fatalf("output does not start with the zstd magic: %x", buf.Bytes()[:4])
	}
}

func TestRead_PlainJSON(t *testing.T) {
	in := `{"format":"lockwarden-snapshot","version":1,"snapshot":{"agents":[{"agent_id":"A","status":"idle"}]}}`
	got, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Agents) != 1 || got.Agents[0].ID != "A" {
		t.Errorf("agents = %+v", got.Agents)
	}
}

func TestRead_Rejects(t *testing.T) {
	tests := map[string]string{
		"wrong format": `{"format":"other","version":1}`,
		"newer":        `{"format":"lockwarden-snapshot","version":99}`,
		"garbage":      `not json`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(in)); err == nil {
				t.Error("Read accepted invalid input")
			}
		})
	}
}
