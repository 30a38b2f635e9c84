package infrastructure

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
)

// TXTFileReader читает наборы точек и заряды из текстовых файлов.
//
// Point files hold one point per line. Columns: x y z; x y z target;
// x y z nx ny nz; or x y z nx ny nz target. Empty lines and lines starting
// with '#' are skipped.
type TXTFileReader struct {
	logger *zap.Logger
}

func NewTXTFileReader(logger *zap.Logger) *TXTFileReader {
	return &TXTFileReader{logger: logger}
}

func (r *TXTFileReader) ReadSampleSet(tag domain.Tag, filename string) (*domain.SampleSet, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		points  []domain.Point
		normals []domain.Point
		targets []float64
		columns int
	)
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if columns == 0 {
			columns = len(fields)
			switch columns {
			case 3, 4, 6, 7:
			default:
				return nil, fmt.Errorf("%w: %s:%d: %d columns", domain.ErrInvalidFileFormat, filename, line, columns)
			}
		}
		if len(fields) != columns {
			return nil, fmt.Errorf("%w: %s:%d: expected %d columns, got %d", domain.ErrInvalidFileFormat, filename, line, columns, len(fields))
		}

		values := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%d: %v", domain.ErrInvalidFileFormat, filename, line, err)
			}
			values[i] = v
		}

		points = append(points, domain.Point{values[0], values[1], values[2]})
		if columns >= 6 {
			normals = append(normals, domain.Point{values[3], values[4], values[5]})
		}
		if columns == 4 || columns == 7 {
			targets = append(targets, values[columns-1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var opts []domain.SampleOption
	if normals != nil {
		opts = append(opts, domain.WithNormals(normals))
	}
	if targets != nil {
		opts = append(opts, domain.WithTargets(targets))
	}
	set, err := domain.NewSampleSet(tag, points, opts...)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Sample set read",
		zap.String("tag", string(tag)),
		zap.String("file", filename),
		zap.Int("points", set.Len()))
	return set, nil
}

// ReadCharges читает заряды из PQR файла: ATOM/HETATM записи, последние пять
// полей которых x y z q r.
func (r *TXTFileReader) ReadCharges(filename string) ([]domain.Charge, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var charges []domain.Charge
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || (fields[0] != "ATOM" && fields[0] != "HETATM") {
			continue
		}
		if len(fields) < 10 {
			return nil, fmt.Errorf("%w: %s:%d: short PQR record", domain.ErrInvalidFileFormat, filename, line)
		}

		tail := fields[len(fields)-5:]
		var values [5]float64
		for i, f := range tail {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%d: %v", domain.ErrInvalidFileFormat, filename, line, err)
			}
			values[i] = v
		}
		if math.IsNaN(values[3]) || values[4] < 0 {
			return nil, fmt.Errorf("%w: %s:%d: invalid charge or radius", domain.ErrInvalidFileFormat, filename, line)
		}

		c := domain.Charge{
			Position: domain.Point{values[0], values[1], values[2]},
			Q:        values[3],
			Radius:   values[4],
			AtomName: fields[2],
			ResName:  fields[3],
		}
		// residue number sits right before the coordinates; a chain id may precede it
		if n, err := strconv.Atoi(fields[len(fields)-6]); err == nil {
			c.ResNum = n
		}
		charges = append(charges, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(charges) == 0 {
		return nil, fmt.Errorf("%w: %s: no ATOM records", domain.ErrInvalidFileFormat, filename)
	}

	r.logger.Info("Charges read", zap.String("file", filename), zap.Int("charges", len(charges)))
	return charges, nil
}
