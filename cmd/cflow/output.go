// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/AleutianAI/cflow/services/cflow/config"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// methodSummary is one output row.
type methodSummary struct {
	Name                string  `json:"name"`
	MaxPC               int     `json:"max_pc"`
	Edges               int     `json:"edges"`
	Exits               int     `json:"exits"`
	Reached             int     `json:"reached"`
	DominatorDepth      int     `json:"dominator_depth"`
	InfiniteLoopHeaders []int   `json:"infinite_loop_headers"`
	Augmented           bool    `json:"augmented"`
	Controllers         int     `json:"controllers"`
	ControlEdges        int     `json:"control_edges"`
	Blocks              int     `json:"blocks"`
	CatchNodes          int     `json:"catch_nodes"`
	Fingerprint         string  `json:"fingerprint"`
	DurationMS          float64 `json:"duration_ms"`
	Error               string  `json:"error,omitempty"`
}

var summaryHeaders = []string{
	"Method", "Max PC", "Edges", "Reached", "Dom Depth", "Inf. Loops",
	"Controllers", "Blocks", "Catch", "Fingerprint", "Status",
}

func render(w io.Writer, format string, summaries []methodSummary) error {
	switch format {
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	case config.FormatTable, "":
		return renderTable(w, summaries)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func renderTable(w io.Writer, summaries []methodSummary) error {
	title := fmt.Sprintf("Control-flow analysis (%d methods)", len(summaries))
	color.New(color.Bold).Fprintln(w, title)
	fmt.Fprintln(w)

	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.Border{Left: tw.Off, Right: tw.Off, Top: tw.Off, Bottom: tw.Off},
			Settings: tw.Settings{
				Separators: tw.Separators{BetweenColumns: tw.Off},
			},
		}),
	)

	table.Header(summaryHeaders)
	for _, s := range summaries {
		loops := strconv.Itoa(len(s.InfiniteLoopHeaders))
		if s.Augmented {
			loops = color.YellowString(loops)
		}
		status := color.GreenString("ok")
		if s.Error != "" {
			status = color.RedString(s.Error)
		}
		if err := table.Append([]string{
			s.Name,
			strconv.Itoa(s.MaxPC),
			strconv.Itoa(s.Edges),
			strconv.Itoa(s.Reached),
			strconv.Itoa(s.DominatorDepth),
			loops,
			strconv.Itoa(s.Controllers),
			strconv.Itoa(s.Blocks),
			strconv.Itoa(s.CatchNodes),
			s.Fingerprint,
			status,
		}); err != nil {
			return fmt.Errorf("render row %s: %w", s.Name, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}
