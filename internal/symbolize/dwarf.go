package symbolize

import (
	"debug/dwarf"

	"github.com/baikal/fuzmon/internal/model"
)

// dwarfFrames symbolicates one address through the debug info. The result
// is innermost-first: inlined frames precede the enclosing subprogram, each
// carrying the location it was inlined from. An empty result means the
// debug info does not describe the address.
func (m *Module) dwarfFrames(addr, link uint64) []model.Frame {
	if m.dw == nil {
		return nil
	}
	reader := m.dw.Reader()
	cu, err := reader.SeekPC(link)
	if err != nil || cu == nil {
		return nil
	}

	file, line := m.lineFor(cu, link)
	sub, inlines := m.findSubprogram(reader, link)
	if sub == nil {
		if file == "" {
			return nil
		}
		return []model.Frame{{Addr: model.Uint64(addr), File: file, Line: line}}
	}

	files := m.lineFiles(cu)

	// Walk the inline chain innermost-out: the innermost frame gets the
	// line-table location, every caller gets the call site of the frame
	// it directly inlines.
	var frames []model.Frame
	curFile, curLine := file, line
	for i := len(inlines) - 1; i >= 0; i-- {
		entry := inlines[i]
		frames = append(frames, model.Frame{
			Addr: model.Uint64(addr),
			Func: m.entryName(entry, 0),
			File: curFile,
			Line: curLine,
		})
		curFile, curLine = callSite(entry, files)
	}
	frames = append(frames, model.Frame{
		Addr: model.Uint64(addr),
		Func: m.entryName(sub, 0),
		File: curFile,
		Line: curLine,
	})
	return frames
}

// lineFor looks link up in the CU's line table.
func (m *Module) lineFor(cu *dwarf.Entry, link uint64) (string, int32) {
	lr, err := m.dw.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(link, &le); err != nil {
		return "", 0
	}
	if le.File == nil {
		return "", int32(le.Line)
	}
	return le.File.Name, int32(le.Line)
}

func (m *Module) lineFiles(cu *dwarf.Entry) []*dwarf.LineFile {
	lr, err := m.dw.LineReader(cu)
	if err != nil || lr == nil {
		return nil
	}
	return lr.Files()
}

// findSubprogram scans the current CU for the subprogram covering link and
// collects the nested inlined subroutines that also cover it, outermost
// first. The reader must be positioned at the CU's first child.
func (m *Module) findSubprogram(reader *dwarf.Reader, link uint64) (*dwarf.Entry, []*dwarf.Entry) {
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return nil, nil
		}
		if entry.Tag == dwarf.TagCompileUnit {
			return nil, nil
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		if !m.entryCovers(entry, link) {
			continue
		}
		if !entry.Children {
			return entry, nil
		}
		return entry, m.collectInlines(reader, link)
	}
}

// collectInlines walks the subtree of the just-read subprogram entry.
func (m *Module) collectInlines(reader *dwarf.Reader, link uint64) []*dwarf.Entry {
	var inlines []*dwarf.Entry
	depth := 1
	for depth > 0 {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag == dwarf.TagInlinedSubroutine && m.entryCovers(entry, link) {
			inlines = append(inlines, entry)
		}
	}
	return inlines
}

func (m *Module) entryCovers(entry *dwarf.Entry, link uint64) bool {
	ranges, err := m.dw.Ranges(entry)
	if err != nil {
		return false
	}
	for _, r := range ranges {
		if link >= r[0] && link < r[1] {
			return true
		}
	}
	return false
}

// entryName resolves the display name of a subprogram or inlined
// subroutine, following abstract-origin and specification references.
func (m *Module) entryName(entry *dwarf.Entry, depth int) string {
	if depth > 4 {
		return ""
	}
	if name, ok := entry.Val(dwarf.AttrLinkageName).(string); ok {
		return demangleName(name)
	}
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		return name
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := entry.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		reader := m.dw.Reader()
		reader.Seek(off)
		ref, err := reader.Next()
		if err != nil || ref == nil {
			continue
		}
		if name := m.entryName(ref, depth+1); name != "" {
			return name
		}
	}
	return ""
}

// callSite reads the call_file/call_line attributes of an inlined
// subroutine, yielding the caller-side location.
func callSite(entry *dwarf.Entry, files []*dwarf.LineFile) (string, int32) {
	var file string
	if idx, ok := entry.Val(dwarf.AttrCallFile).(int64); ok {
		if idx >= 0 && idx < int64(len(files)) && files[idx] != nil {
			file = files[idx].Name
		}
	}
	var line int32
	if l, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
		line = int32(l)
	}
	return file, line
}
