package infrastructure

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"xpinn-pbe/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSampleSetColumns(t *testing.T) {
	dir := t.TempDir()
	reader := NewTXTFileReader(zaptest.NewLogger(t))

	for _, tc := range []struct {
		name    string
		content string
		normals bool
		target  bool
	}{
		{"points", "# x y z\n1 2 3\n\n4 5 6\n", false, false},
		{"targets", "1 2 3 0.5\n4 5 6 0.25\n", false, true},
		{"normals", "1 0 0 1 0 0\n0 1 0 0 1 0\n", true, false},
		{"normals and targets", "1 0 0 1 0 0 7\n0 1 0 0 1 0 8\n", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tc.name, " ", "_")+".xyz", tc.content)
			set, err := reader.ReadSampleSet(domain.TagIu, path)
			if err != nil {
				t.Fatal(err)
			}
			if set.Len() != 2 || set.Tag() != domain.TagIu {
				t.Fatalf("read %d points tagged %s", set.Len(), set.Tag())
			}
			if set.HasNormals() != tc.normals || set.HasTarget() != tc.target {
				t.Fatalf("normals %v targets %v", set.HasNormals(), set.HasTarget())
			}
			if tc.normals && set.Normal(1) != (domain.Point{0, 1, 0}) {
				t.Fatalf("normal %v", set.Normal(1))
			}
		})
	}

	set, _ := reader.ReadSampleSet(domain.TagK2, filepath.Join(dir, "normals_and_targets.xyz"))
	if v, ok := set.Target(1); !ok || v != 8 {
		t.Fatalf("target %g %v", v, ok)
	}
}

func TestReadSampleSetInvalid(t *testing.T) {
	dir := t.TempDir()
	reader := NewTXTFileReader(zaptest.NewLogger(t))

	for name, content := range map[string]string{
		"two_columns.xyz": "1 2\n",
		"ragged.xyz":      "1 2 3\n1 2 3 4\n",
		"text.xyz":        "1 two 3\n",
	} {
		_, err := reader.ReadSampleSet(domain.TagR1, writeFile(t, dir, name, content))
		if !errors.Is(err, domain.ErrInvalidFileFormat) {
			t.Fatalf("%s: got %v", name, err)
		}
	}
	if _, err := reader.ReadSampleSet(domain.TagR1, filepath.Join(dir, "absent.xyz")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
}

const pqr = `REMARK  born ion
ATOM      1  NA  ION     1       0.000   0.000   0.000  1.0000 1.0000
HETATM    2  CL  ION A   2       1.500  -2.000   0.250 -1.0000 1.8000
TER
END
`

func TestReadCharges(t *testing.T) {
	reader := NewTXTFileReader(zaptest.NewLogger(t))
	charges, err := reader.ReadCharges(writeFile(t, t.TempDir(), "ions.pqr", pqr))
	if err != nil {
		t.Fatal(err)
	}
	if len(charges) != 2 {
		t.Fatalf("%d charges", len(charges))
	}
	cl := charges[1]
	if cl.Q != -1 || cl.Radius != 1.8 || cl.Position != (domain.Point{1.5, -2, 0.25}) {
		t.Fatalf("chloride %+v", cl)
	}
	if cl.AtomName != "CL" || cl.ResName != "ION" || cl.ResNum != 2 {
		t.Fatalf("chloride labels %+v", cl)
	}

	dir := t.TempDir()
	for name, content := range map[string]string{
		"empty.pqr": "REMARK nothing\n",
		"short.pqr": "ATOM 1 NA ION 1 0 0\n",
		"nan.pqr":   "ATOM 1 NA ION 1 0 0 0 x 1\n",
	} {
		if _, err := reader.ReadCharges(writeFile(t, dir, name, content)); !errors.Is(err, domain.ErrInvalidFileFormat) {
			t.Fatalf("%s: got %v", name, err)
		}
	}
}

func TestWriteLossesAndEnergies(t *testing.T) {
	dir := t.TempDir()
	writer := NewTXTFileWriter(zaptest.NewLogger(t))

	records := []domain.HistoryRecord{
		{Iteration: 0, Phase: domain.PhaseFirstOrder, Total: 2, Losses: map[domain.Tag]float64{domain.TagR1: 1, domain.TagIu: 2}, Weights: domain.WeightTable{domain.TagR1: 1, domain.TagIu: 0.5}},
		{Iteration: 1, Phase: domain.PhaseQuasiNewton, Total: 1, Validation: 3, HasValidation: true, Losses: map[domain.Tag]float64{domain.TagR1: 1}, Weights: domain.WeightTable{domain.TagR1: 1}},
	}
	lossPath := filepath.Join(dir, "loss_interior.txt")
	if err := writer.WriteLosses(lossPath, records, Scientific); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(lossPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("%d lines", len(lines))
	}
	if lines[0] != "Iter\tPhase\tTotal\tValidation\tL_R1\tw_R1\tL_Iu\tw_Iu" {
		t.Fatalf("header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0\tPHASE1_FIRST_ORDER\t2.000000e+00\t-\t") {
		t.Fatalf("first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "\t-\t-") || !strings.Contains(lines[2], "3.000000e+00") {
		t.Fatalf("second row %q", lines[2])
	}

	energyPath := filepath.Join(dir, "G_solv.txt")
	err = writer.WriteEnergies(energyPath, []domain.EnergyRecord{
		{Iteration: 4, Energy: -163.96},
		{Iteration: 8, Energy: math.NaN(), Err: "no point charges"},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(energyPath)
	want := "Iter\tG_solv\tError\n4\t-163.960000\t-\n8\tNaN\tno point charges\n"
	if string(data) != want {
		t.Fatalf("energies file:\n%s", data)
	}
}
