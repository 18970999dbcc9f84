package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// fileStore persists records as one JSON object per line. The writer is
// only ever called under the ledger's append lock.
type fileStore struct {
	file *os.File
}

func openFileStore(path string) (*fileStore, []models.AuditRecord, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	records, err := readRecords(path)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger file '%s': %w", path, err)
	}

	return &fileStore{file: file}, records, nil
}

func readRecords(path string) ([]models.AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read ledger file '%s': %w", path, err)
	}
	defer file.Close()

	var records []models.AuditRecord

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record models.AuditRecord

		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("failed to parse ledger record in '%s': %w", path, err)
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger file '%s': %w", path, err)
	}

	return records, nil
}

// append durably writes one record. The write is flushed to the OS before
// returning so a record acknowledged to the router survives a process
// crash.
func (s *fileStore) append(record *models.AuditRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return err
	}

	return s.file.Sync()
}

func (s *fileStore) close() error {
	return s.file.Close()
}
