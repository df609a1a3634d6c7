package ldx

import (
	"time"

	"github.com/beevik/etree"

	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/store"
)

// entry is one value prepared for injection into a file.
type entry struct {
	id        string
	value     string
	wasUpdate bool
}

// collectEntries gathers the current value for every injectable field across
// all schemas. Fields with no stored value are skipped. wasUpdate is true
// when the value was updated within the field's validity window, or, for
// fields without a window, when it was touched since the last processed
// file (the first file ever counts everything as an update).
func collectEntries(schemas []*forms.Schema, valuesByRole map[string]map[string]store.FormValue, lastProcessed, now time.Time) []entry {
	var out []entry
	for _, schema := range schemas {
		stored := valuesByRole[schema.Role]
		for _, f := range schema.Fields {
			v, ok := stored[f.Name]
			if !ok || v.Value == nil {
				continue
			}
			var wasUpdate bool
			if f.ValidityWindow != nil {
				wasUpdate = now.Sub(v.UpdatedAt) <= time.Duration(*f.ValidityWindow)*time.Second
			} else {
				wasUpdate = lastProcessed.IsZero() || v.UpdatedAt.After(lastProcessed)
			}
			out = append(out, entry{id: f.InjectID(), value: *v.Value, wasUpdate: wasUpdate})
		}
	}
	return out
}

// inject writes the entries into the document's first <detail> element,
// creating it under the root when absent. An existing entry with the same
// id is updated in place so each injected field appears exactly once;
// everything else inside <detail> is left untouched.
func inject(doc *etree.Document, entries []entry) {
	root := doc.Root()
	if root == nil {
		root = doc.CreateElement("root")
	}
	detail := doc.FindElement("//detail")
	if detail == nil {
		detail = root.CreateElement("detail")
	}

	existing := map[string]*etree.Element{}
	for _, child := range detail.SelectElements("entry") {
		if id := child.SelectAttrValue("id", ""); id != "" {
			existing[id] = child
		}
	}

	for _, e := range entries {
		if el, ok := existing[e.id]; ok {
			el.SetText(e.value)
			continue
		}
		el := detail.CreateElement("entry")
		el.CreateAttr("id", e.id)
		el.SetText(e.value)
	}
}
