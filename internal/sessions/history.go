package sessions

import (
	"bufio"
	"encoding/json"
	"os"
)

// maxHistoryLineBytes guards the scanner against corrupt or giant
// transcript lines.
const maxHistoryLineBytes = 1 << 20

// History reads the newest entries from a session's transcript file.
// Transcripts are JSONL, one message object per line; malformed lines
// are skipped. limit<=0 returns everything.
func (s *Store) History(key string, limit int) ([]json.RawMessage, error) {
	entry, ok := s.Entry(key)
	if !ok || entry.SessionFile == "" {
		return nil, nil
	}
	f, err := os.Open(entry.SessionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxHistoryLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AppendHistory appends one message object to a session's transcript.
func (s *Store) AppendHistory(key string, msg interface{}) error {
	entry, err := s.GetOrCreate(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.runsDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(entry.SessionFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
