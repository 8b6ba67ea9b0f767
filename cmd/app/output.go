package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

type jsonRaw = json.RawMessage

type historyRecord struct {
	RecordID   string    `json:"record_id"`
	Vehicle    string    `json:"vehicle"`
	EmployeeID uint      `json:"employee_id"`
	Kind       string    `json:"kind"`
	ObservedAt time.Time `json:"observed_at"`
	RecordedAt time.Time `json:"recorded_at"`
	Note       string    `json:"note"`
}

type auditEntry struct {
	ID         uint      `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetKey  string    `json:"target_key"`
	Metadata   string    `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}

func unmarshalField(payload map[string]jsonRaw, field string, out any) error {
	raw, ok := payload[field]
	if !ok {
		return fmt.Errorf("response is missing %q", field)
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func printHistory(records []historyRecord) {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		note := record.Note
		if note == "" {
			note = "-"
		}
		rows = append(rows, []string{
			record.RecordID,
			record.Kind,
			formatTime(record.ObservedAt),
			formatTime(record.RecordedAt),
			note,
		})
	}
	printTable([]string{"RECORD", "KIND", "OBSERVED", "RECORDED", "NOTE"}, rows)
}

func printAuditEntries(entries []auditEntry) {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			fmt.Sprintf("%d", entry.ID),
			entry.Actor,
			entry.Action,
			entry.TargetType + "/" + entry.TargetKey,
			formatTime(entry.CreatedAt),
		})
	}
	printTable([]string{"ID", "ACTOR", "ACTION", "TARGET", "AT"}, rows)
}
