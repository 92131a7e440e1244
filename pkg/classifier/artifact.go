package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const bundleFormatVersion = 1

// bundle is the on-disk envelope shared by all single-file artifacts. The
// checksum covers the payload bytes so truncated or hand-edited files fail
// loudly instead of producing a half-restored classifier.
type bundle struct {
	FormatVersion int             `json:"format_version"`
	Family        Family          `json:"family"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// writeBundle marshals state into a checksummed envelope and writes it
// atomically so readers never observe a partial artifact.
func writeBundle(path string, family Family, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", family, err)
	}
	envelope := bundle{
		FormatVersion: bundleFormatVersion,
		Family:        family,
		SavedAt:       time.Now().UTC(),
		Checksum:      payloadChecksum(payload),
		Payload:       payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode artifact envelope: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return os.Rename(tmp, path)
}

// readBundle restores state from path, distinguishing a missing artifact
// (plain wrapped error) from a present-but-corrupt one (ArtifactCorruptError).
func readBundle(path string, family Family, state any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	var envelope bundle
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &ArtifactCorruptError{Path: path, Reason: "invalid envelope", Err: err}
	}
	if envelope.FormatVersion != bundleFormatVersion {
		return &ArtifactCorruptError{Path: path, Reason: fmt.Sprintf("unknown format version %d", envelope.FormatVersion)}
	}
	if envelope.Family != family {
		return &ArtifactCorruptError{Path: path, Reason: fmt.Sprintf("artifact family %s, want %s", envelope.Family, family)}
	}
	if payloadChecksum(envelope.Payload) != envelope.Checksum {
		return &ArtifactCorruptError{Path: path, Reason: "checksum mismatch"}
	}
	if err := json.Unmarshal(envelope.Payload, state); err != nil {
		return &ArtifactCorruptError{Path: path, Reason: "invalid payload", Err: err}
	}
	return nil
}
