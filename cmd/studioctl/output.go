package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"studio/internal/api"
	"studio/internal/stage"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildListRows(jobs []api.StatusResponse) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.JobID,
			string(j.Stage),
			j.Status,
			j.CreatedAt.Local().Format(time.DateTime),
			strconv.Itoa(len(j.Artifacts)),
		})
	}
	return rows
}

func buildArtifactRows(arts []api.ArtifactResponse) [][]string {
	rows := make([][]string, 0, len(arts))
	for _, a := range arts {
		note := ""
		if a.Degraded {
			note = "fallback"
		}
		rows = append(rows, []string{a.Name, a.MediaType, formatBytes(a.Size), note})
	}
	return rows
}

// formatReferences lists references in pipeline order.
func formatReferences(refs stage.References) string {
	parts := make([]string, 0, len(refs))
	for _, st := range stage.All {
		if id, ok := refs[st]; ok {
			parts = append(parts, string(st)+"="+id)
		}
	}
	var unknown []string
	for st, id := range refs {
		if !st.Valid() {
			unknown = append(unknown, string(st)+"="+id)
		}
	}
	slices.Sort(unknown)
	return strings.Join(append(parts, unknown...), " ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
