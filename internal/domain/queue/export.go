package queue

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const deadLetterSheet = "Dead letters"

// ExportDeadLettersXLSX renders the current dead-letter items as an XLSX
// workbook for operator review.
func (s *Service) ExportDeadLettersXLSX(ctx context.Context, limit int) ([]byte, int, error) {
	start := s.now()
	items, err := s.DeadLetters(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	b, err := deadLettersWorkbook(items)
	if err != nil {
		return nil, 0, err
	}
	s.logger.Info().Int("rows", len(items)).
		Int64("elapsed_ms", s.now().Sub(start).Milliseconds()).
		Msg("dead letters exported")
	return b, len(items), nil
}

func deadLettersWorkbook(items []*WorkItem) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", deadLetterSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{
		"Queue ID",
		"Correlation ID",
		"EMR ID",
		"Priority",
		"Attempts",
		"Error",
		"Requeues",
		"Created",
		"Updated",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(deadLetterSheet, cell, h)
	}

	for i, w := range items {
		row := i + 2
		write := func(col int, v interface{}) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(deadLetterSheet, cell, v)
		}

		msg := w.Payload.Result.LastError
		if w.ErrorMessage != nil {
			msg = *w.ErrorMessage
		}
		emr := ""
		if w.EMRID != nil {
			emr = *w.EMRID
		}

		write(1, w.ID.String())
		write(2, w.CorrelationID)
		write(3, emr)
		write(4, string(w.Priority))
		write(5, w.Attempts)
		write(6, truncate(msg, 240))
		write(7, len(w.Payload.Result.RequeueHistory))
		write(8, w.CreatedAt.UTC().Format(time.RFC3339))
		write(9, w.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(deadLetterSheet, "A", "A", 38)
	_ = f.SetColWidth(deadLetterSheet, "B", "C", 22)
	_ = f.SetColWidth(deadLetterSheet, "D", "E", 10)
	_ = f.SetColWidth(deadLetterSheet, "F", "F", 60)
	_ = f.SetColWidth(deadLetterSheet, "H", "I", 22)
	_ = f.SetPanes(deadLetterSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
