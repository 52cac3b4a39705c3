// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/replicafeed/internal/scoped"
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/devices"
	"github.com/gomlx/replicafeed/types"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func perSecond(count int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "-"
	}
	return humanize.CommafWithDigits(float64(count)/elapsed.Seconds(), 1) + "/s"
}

func summaryTable(cfg config.LayerConfig, m replicaManager, stats runStats) string {
	table := newPlainTable(false)
	kind := "fixed-size"
	if cfg.VariableSize {
		kind = "variable-size"
	}
	table.Row("data layer", fmt.Sprintf("%s (%s)", m.Name(), kind))
	table.Row("manager id", m.ID())
	table.Row("datum", fmt.Sprintf("[%d %d %d]", m.Channels(), m.Height(), m.Width()))
	table.Row("batch", fmt.Sprintf("%s (%d replicas x %s)", humanize.Comma(int64(m.TotalBatchSize())),
		m.NumReplicas(), humanize.Comma(int64(m.ReplicaBatchSize()))))
	table.Row("steps", humanize.Comma(int64(stats.steps)))
	table.Row("batches joined", humanize.Comma(int64(m.NumBatches())))
	table.Row("epochs", humanize.Comma(int64(m.Epochs())))
	table.Row("elapsed", stats.elapsed.Round(time.Millisecond).String())
	table.Row("items", perSecond(stats.steps*m.TotalBatchSize(), stats.elapsed))
	if stats.steps > 0 {
		meanWait := stats.forwardWait / time.Duration(stats.steps*m.NumReplicas())
		table.Row("mean forward wait", meanWait.Round(time.Microsecond).String())
		table.Row("mean broadcast", (stats.broadcastTime / time.Duration(stats.steps)).Round(time.Microsecond).String())
	}
	table.Row("last prefetch", m.LastPrefetchDuration().Round(time.Microsecond).String())
	if stats.broadcastSkip {
		table.Row("gradients", "not synchronized, see -host_staging")
	}
	return titleStyle.Render("Summary") + "\n" + table.Render()
}

func streamsTable(streams *devices.StreamSet) string {
	table := newPlainTable(true)
	table.Row("Stream", "ID", "Transfers", "Bytes")
	for _, s := range streams.All() {
		transfers, bytes := s.Stats()
		if transfers == 0 {
			continue
		}
		table.Row(fmt.Sprintf("%d -> %d", s.Src, s.Dst), s.ID.String(),
			humanize.Comma(int64(transfers)), humanize.Bytes(bytes))
	}
	return titleStyle.Render("Gradient streams") + "\n" + table.Render()
}

func paramsTable(p *scoped.Params, paramsSet []string) string {
	table := newPlainTable(true)
	table.Row("Scope", "Name", "Type", "Value", "Set")
	isSet := types.SetWith(paramsSet...)
	p.Enumerate(func(scope, key string, value any) {
		paramPath := key
		if scope != config.RootScope {
			paramPath = strings.TrimPrefix(scope, config.ScopeSeparator) + config.ScopeSeparator + key
		}
		set := ""
		if isSet.Has(paramPath) || isSet.Has(config.ScopeSeparator+paramPath) {
			set = "*"
		}
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value), set)
	})
	return titleStyle.Render("Data layer parameters") + "\n" + table.Render()
}
