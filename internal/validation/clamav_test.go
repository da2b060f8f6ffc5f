package validation

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	clamd "github.com/dutchcoders/go-clamd"

	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// fakeClamd отдаёт заранее заданные результаты сканирования.
type fakeClamd struct {
	results []*clamd.ScanResult
	err     error
	got     []byte
}

func (f *fakeClamd) ScanStream(r io.Reader, _ chan bool) (chan *clamd.ScanResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got, _ = io.ReadAll(r)
	ch := make(chan *clamd.ScanResult, len(f.results))
	for _, res := range f.results {
		ch <- res
	}
	close(ch)
	return ch, nil
}

func newFakeClamAV(f *fakeClamd) *ClamAVDetector {
	d := NewClamAVDetector("tcp://127.0.0.1:3310", false, testLogger())
	d.client = f
	return d
}

func TestClamAVDetector(t *testing.T) {
	tests := []struct {
		name     string
		fake     *fakeClamd
		wantHard int
	}{
		{"чистый файл", &fakeClamd{results: []*clamd.ScanResult{{Status: clamd.RES_OK}}}, 0},
		{"сигнатура", &fakeClamd{results: []*clamd.ScanResult{{Status: clamd.RES_FOUND, Description: "Eicar-Signature"}}}, 1},
		{"ошибка сканирования", &fakeClamd{results: []*clamd.ScanResult{{Status: clamd.RES_ERROR, Raw: "size limit"}}}, 0},
		{"clamd недоступен", &fakeClamd{err: errors.New("connection refused")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeClamAV(tt.fake)
			findings, err := d.Detect(context.Background(), &Input{Content: []byte("payload")})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			hard := 0
			for _, f := range findings {
				if f.Hard {
					hard++
					if !strings.Contains(f.Description, "Eicar-Signature") {
						t.Errorf("описание: %q", f.Description)
					}
				}
			}
			if hard != tt.wantHard {
				t.Errorf("жёстких наблюдений %d, ожидалось %d", hard, tt.wantHard)
			}
		})
	}
}

func TestClamAVDetector_SendsContent(t *testing.T) {
	f := &fakeClamd{}
	d := newFakeClamAV(f)
	if _, err := d.Detect(context.Background(), &Input{Content: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	if string(f.got) != "abc" {
		t.Errorf("в clamd отправлено %q", f.got)
	}
	if d.Name() != "clamav" {
		t.Errorf("Name = %q", d.Name())
	}
}

func TestValidator_ExtraDetector(t *testing.T) {
	d := newFakeClamAV(&fakeClamd{})
	v := newTestValidator(d)
	names := v.DetectorNames()
	if len(names) != 3 || names[2] != "clamav" {
		t.Errorf("детекторы: %v", names)
	}
}

// TestClamAVDetector_FailClosed проверяет отказ при недоступном clamd.
func TestClamAVDetector_FailClosed(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeClamd
		wantErr bool
	}{
		{"чистый файл", &fakeClamd{results: []*clamd.ScanResult{{Status: clamd.RES_OK}}}, false},
		{"ошибка сканирования", &fakeClamd{results: []*clamd.ScanResult{{Status: clamd.RES_ERROR, Raw: "size limit"}}}, true},
		{"clamd недоступен", &fakeClamd{err: errors.New("connection refused")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeClamAV(tt.fake)
			d.failClosed = true
			_, err := d.Detect(context.Background(), &Input{Content: []byte("payload")})
			if tt.wantErr != errors.Is(err, ErrScanUnavailable) {
				t.Errorf("ошибка: %v, ожидалась ErrScanUnavailable: %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_ClamAVFailClosed проверяет, что недоступность clamd
// завершает проверку ошибкой, а не вердиктом.
func TestValidate_ClamAVFailClosed(t *testing.T) {
	d := newFakeClamAV(&fakeClamd{err: errors.New("connection refused")})
	d.failClosed = true
	v := newTestValidator(d)

	path := writeFile(t, []byte("plain text content"))
	verdict, err := v.Validate(context.Background(), &model.FileCandidate{
		Path: path, OriginalName: "notes.txt", DeclaredType: "text/plain",
	})
	if !errors.Is(err, ErrScanUnavailable) || verdict != nil {
		t.Errorf("ожидалась ErrScanUnavailable без вердикта: %v, %+v", err, verdict)
	}
}
