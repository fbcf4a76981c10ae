package vocab

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Sample is a sample clip carried inline, as embedded in the settings
// document.
type Sample struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data_b64"`
}

// SampleDir returns the sample directory for word without creating it. A
// known word resolves to its stored spelling, whatever casing the caller
// used.
func (m *Manager) SampleDir(word string) string {
	w := strings.TrimSpace(word)
	m.mu.RLock()
	if e, ok := m.entries[key(w)]; ok {
		w = e.Word
	}
	m.mu.RUnlock()
	return filepath.Join(m.dataDir, SafeName(w))
}

// SamplePath returns the path of filename inside word's sample directory.
func (m *Manager) SamplePath(word, filename string) string {
	return filepath.Join(m.SampleDir(word), filepath.Base(filename))
}

// AddSample copies the file at src into word's sample directory and returns
// the stored file name. An existing file of the same name is never
// overwritten; the copy gets a numeric suffix ("clip_1.wav").
func (m *Manager) AddSample(word, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("vocab: open sample: %w", err)
	}
	defer in.Close()
	return m.addSample(word, filepath.Base(src), in)
}

// AddSampleData stores data as a sample named filename and returns the stored
// name (see [Manager.AddSample] for conflict naming).
func (m *Manager) AddSampleData(word, filename string, data []byte) (string, error) {
	return m.addSample(word, filepath.Base(filename), bytes.NewReader(data))
}

func (m *Manager) addSample(word, base string, r io.Reader) (string, error) {
	if _, err := m.Get(word); err != nil {
		return "", err
	}
	dir := m.SampleDir(word)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("vocab: create sample dir: %w", err)
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := base
	var out *os.File
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			out = f
			break
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("vocab: create sample: %w", err)
		}
		name = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("vocab: write sample: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("vocab: write sample: %w", err)
	}
	return name, nil
}

// RemoveSample deletes filename from word's sample directory. It reports
// whether a file was removed.
func (m *Manager) RemoveSample(word, filename string) (bool, error) {
	err := os.Remove(m.SamplePath(word, filename))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vocab: remove sample: %w", err)
	}
	return true, nil
}

// Samples returns word's sample clips with their contents, for embedding
// into the settings document.
func (m *Manager) Samples(word string) ([]Sample, error) {
	var out []Sample
	for _, name := range m.listSamples(word) {
		data, err := os.ReadFile(m.SamplePath(word, name))
		if err != nil {
			return nil, fmt.Errorf("vocab: read sample: %w", err)
		}
		out = append(out, Sample{Filename: name, Data: data})
	}
	return out, nil
}

// RestoreSamples writes inline samples for word, skipping any whose file
// already exists with identical content.
func (m *Manager) RestoreSamples(word string, samples []Sample) error {
	for _, s := range samples {
		existing, err := os.ReadFile(m.SamplePath(word, s.Filename))
		if err == nil && string(existing) == string(s.Data) {
			continue
		}
		if _, err := m.AddSampleData(word, s.Filename, s.Data); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) listSamples(word string) []string {
	ents, err := os.ReadDir(m.SampleDir(word))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out
}
