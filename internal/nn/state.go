package nn

import (
	"encoding/json"
	"fmt"
	"os"
)

// stateFile is the on-disk representation of a module's parameters.
type stateFile struct {
	Params []paramState `json:"params"`
}

type paramState struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// SaveState writes every parameter of m (including frozen parameters and
// normalization buffers) to path, overwriting any existing file.
func SaveState(path string, m Module) error {
	params := m.Parameters()
	sf := stateFile{Params: make([]paramState, 0, len(params))}
	for _, p := range params {
		sf.Params = append(sf.Params, paramState{
			Name:  p.Name,
			Shape: p.Data.Shape(),
			Data:  p.Data.Data,
		})
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nn: creating state file %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&sf); err != nil {
		f.Close()
		return fmt.Errorf("nn: writing state file %s: %w", path, err)
	}
	return f.Close()
}

// LoadState reads a state file written by SaveState into m. Every stored
// parameter must match a parameter of m by name and shape; a missing or
// mismatched entry is a fatal error, never a silent fallback to the
// module's current initialization.
func LoadState(path string, m Module) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("nn: opening state file %s: %w", path, err)
	}
	defer f.Close()

	var sf stateFile
	if err := json.NewDecoder(f).Decode(&sf); err != nil {
		return fmt.Errorf("nn: decoding state file %s: %w", path, err)
	}

	byName := make(map[string]*Parameter)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}
	for _, ps := range sf.Params {
		p, ok := byName[ps.Name]
		if !ok {
			return fmt.Errorf("nn: state file %s has parameter %q not present in module", path, ps.Name)
		}
		want := p.Data.Shape()
		if !shapeEqual(want, ps.Shape) {
			return fmt.Errorf("nn: state file %s parameter %q has shape %v, module expects %v",
				path, ps.Name, ps.Shape, want)
		}
		if len(ps.Data) != p.Data.Size() {
			return fmt.Errorf("nn: state file %s parameter %q has %d values, expected %d",
				path, ps.Name, len(ps.Data), p.Data.Size())
		}
		copy(p.Data.Data, ps.Data)
		delete(byName, ps.Name)
	}
	if len(byName) > 0 {
		missing := make([]string, 0, len(byName))
		for name := range byName {
			missing = append(missing, name)
		}
		return fmt.Errorf("nn: state file %s is missing parameters %v", path, missing)
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
