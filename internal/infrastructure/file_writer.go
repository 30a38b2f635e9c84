package infrastructure

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
)

type FmtFunc func(float64) string

// Scientific формат по умолчанию для значений потерь
func Scientific(v float64) string {
	return strconv.FormatFloat(v, 'e', 6, 64)
}

type TXTFileWriter struct {
	logger *zap.Logger
}

func NewTXTFileWriter(logger *zap.Logger) *TXTFileWriter {
	return &TXTFileWriter{logger: logger}
}

// WriteLosses пишет историю потерь подобласти таблицей с разделителем TAB:
// iteration, phase, total, validation, then loss and weight per term.
func (w *TXTFileWriter) WriteLosses(filename string, records []domain.HistoryRecord, formatter FmtFunc) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	// Набор слагаемых берём из всех записей
	columns := make(map[domain.Tag]struct{})
	for _, r := range records {
		for tag := range r.Losses {
			columns[tag] = struct{}{}
		}
	}
	tags := domain.SortedTags(columns)

	header := []string{"Iter", "Phase", "Total", "Validation"}
	for _, tag := range tags {
		header = append(header, "L_"+string(tag), "w_"+string(tag))
	}
	fmt.Fprintf(writer, "%s\n", strings.Join(header, "\t"))

	for _, r := range records {
		row := []string{strconv.Itoa(r.Iteration), r.Phase.String(), formatter(r.Total), "-"}
		if r.HasValidation {
			row[3] = formatter(r.Validation)
		}
		for _, tag := range tags {
			loss, ok := r.Losses[tag]
			if !ok {
				row = append(row, "-", "-")
				continue
			}
			row = append(row, formatter(loss), formatter(r.Weights[tag]))
		}
		fmt.Fprintf(writer, "%s\n", strings.Join(row, "\t"))
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	w.logger.Debug("Loss history written", zap.String("file", filename), zap.Int("rows", len(records)))
	return nil
}

func (w *TXTFileWriter) WriteEnergies(filename string, records []domain.EnergyRecord) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	fmt.Fprintf(writer, "Iter\tG_solv\tError\n")
	for _, r := range records {
		if r.OK() {
			fmt.Fprintf(writer, "%d\t%.6f\t-\n", r.Iteration, r.Energy)
			continue
		}
		fmt.Fprintf(writer, "%d\tNaN\t%s\n", r.Iteration, r.Err)
	}
	return writer.Flush()
}
