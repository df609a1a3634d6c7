package forms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const daqForm = `form_name: daq_setup
role: DAQ
fields:
  - name: sampling_rate
    label: Sampling Rate
    type: number
    required: true
    unit: Hz
    tab: Acquisition
  - name: logging_mode
    label: Logging Mode
    type: select
    options: [continuous, triggered]
    tab: Acquisition
  - name: notes
    label: Notes
    type: textarea
    tab: General
  - name: run_tag
    label: Run Tag
    type: text
    inject: RunTag
    lookback: true
`

func writeForms(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestRegistryLoad(t *testing.T) {
	dir := writeForms(t, map[string]string{"daq.yaml": daqForm})
	r, err := NewRegistry(dir)
	require.NoError(t, err)

	s := r.Get("DAQ")
	require.NotNil(t, s)
	require.Equal(t, "daq_setup", s.FormName)
	require.Len(t, s.Fields, 4)
	require.Equal(t, []string{"Acquisition", "General"}, s.Tabs())
	require.Equal(t, "RunTag", s.Field("run_tag").InjectID())
	require.Equal(t, "sampling_rate", s.Field("sampling_rate").InjectID())
	require.Nil(t, r.Get("aero"))
	require.Equal(t, []string{"DAQ"}, r.Roles())
}

func TestRegistryMissingDir(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, r.All())
}

func TestRegistryRejectsDuplicateRole(t *testing.T) {
	dir := writeForms(t, map[string]string{
		"a.yaml": daqForm,
		"b.yaml": daqForm,
	})
	_, err := NewRegistry(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate form for role")
}

func TestRegistryRejectsBadDescriptors(t *testing.T) {
	cases := map[string]string{
		"unknown role":       "form_name: x\nrole: marketing\nfields: []\n",
		"missing form_name":  "role: DAQ\nfields: []\n",
		"bad field type":     "form_name: x\nrole: DAQ\nfields:\n  - name: a\n    type: checkbox\n",
		"select no options":  "form_name: x\nrole: DAQ\nfields:\n  - name: a\n    type: select\n",
		"duplicate field":    "form_name: x\nrole: DAQ\nfields:\n  - name: a\n    type: text\n  - name: a\n    type: text\n",
		"unnamed field":      "form_name: x\nrole: DAQ\nfields:\n  - type: text\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := writeForms(t, map[string]string{"bad.yaml": body})
			_, err := NewRegistry(dir)
			require.Error(t, err)
		})
	}
}

func TestRegistryReloadKeepsOldSetOnError(t *testing.T) {
	dir := writeForms(t, map[string]string{"daq.yaml": daqForm})
	r, err := NewRegistry(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("role: nope"), 0o644))
	require.Error(t, r.Reload())
	require.NotNil(t, r.Get("DAQ"), "previous set must survive a failed reload")
}
