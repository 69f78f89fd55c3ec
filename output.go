package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// sortedIssues returns a deterministic copy: issues ordered by id, member
// tickets ascending, keywords sorted.
func sortedIssues(issues []IssueRecord) []IssueRecord {
	out := make([]IssueRecord, len(issues))
	copy(out, issues)
	for i := range out {
		tickets := make([]int64, len(out[i].Tickets))
		copy(tickets, out[i].Tickets)
		sort.Slice(tickets, func(a, b int) bool { return tickets[a] < tickets[b] })
		out[i].Tickets = tickets

		keywords := make([]string, len(out[i].Keywords))
		copy(keywords, out[i].Keywords)
		sort.Strings(keywords)
		out[i].Keywords = keywords
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IssueID < out[b].IssueID })
	return out
}

// writeIssuesAtomic serializes the index to path via a temp file in the same
// directory and an atomic rename, so a crash never leaves a torn file behind.
func writeIssuesAtomic(issues []IssueRecord, path string) error {
	data, err := json.MarshalIndent(sortedIssues(issues), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding issue DB: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// timestampedSibling derives the safe-mode target next to path, e.g.
// output/silo_issues_db_20250901_153000.json.
func timestampedSibling(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s_%s%s", base, now.Format("20060102_150405"), ext))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// WriteIssueDB persists the final index. In safe mode an existing target is
// first copied byte-for-byte to a timestamped sibling and the new content
// goes to that sibling instead; the original file is never touched. Returns
// the path actually written.
func WriteIssueDB(issues []IssueRecord, path string, safeMode bool) (string, error) {
	actual := path
	if safeMode {
		if _, err := os.Stat(path); err == nil {
			actual = timestampedSibling(path, time.Now())
			if err := copyFile(path, actual); err != nil {
				return "", fmt.Errorf("preserving existing DB: %w", err)
			}
			log.Printf("safe output: existing DB preserved, writing to %s", actual)
		}
	}
	if err := writeIssuesAtomic(issues, actual); err != nil {
		return "", err
	}
	return actual, nil
}

// WriteFlaggedCSV fully regenerates the flagged-review list, overwriting any
// prior version.
func WriteFlaggedCSV(entries []FlaggedEntry, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ticket_id", "issue_id", "confidence", "reason"}); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.TicketID, 10),
			e.IssueID,
			strconv.FormatFloat(e.Confidence, 'f', 2, 64),
			e.Reason,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
