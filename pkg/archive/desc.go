package archive

import (
	"bytes"
	"slices"
	"strconv"
	"strings"
)

type field struct {
	name   string
	values []string
}

func scalar(name, v string) field {
	if v == "" {
		return field{name: name}
	}
	return field{name: name, values: []string{v}}
}

// fields lists desc stanzas in the order pacman's repo-add writes them.
func (p *Package) fields() []field {
	i := p.Info
	return []field{
		scalar("FILENAME", p.Filename),
		scalar("NAME", i.Name),
		scalar("BASE", i.Base),
		scalar("VERSION", i.Version),
		scalar("DESC", i.Desc),
		{"GROUPS", i.Groups},
		scalar("CSIZE", strconv.FormatInt(p.CSize, 10)),
		scalar("ISIZE", i.Size),
		scalar("MD5SUM", p.MD5Sum),
		scalar("SHA256SUM", p.SHA256),
		scalar("PGPSIG", ""),
		scalar("URL", i.URL),
		{"LICENSE", i.Licenses},
		scalar("ARCH", i.Arch),
		scalar("BUILDDATE", i.BuildDate),
		scalar("PACKAGER", i.Packager),
		{"REPLACES", i.Replaces},
		{"CONFLICTS", i.Conflicts},
		{"PROVIDES", i.Provides},
		{"DEPENDS", i.Depends},
		{"OPTDEPENDS", i.OptDepends},
		{"MAKEDEPENDS", i.MakeDepends},
		{"CHECKDEPENDS", i.CheckDepends},
	}
}

// Desc renders the package's desc entry. Empty fields are omitted.
func (p *Package) Desc() []byte {
	var b bytes.Buffer
	for _, f := range p.fields() {
		if len(f.values) == 0 {
			continue
		}
		b.WriteString("%" + f.name + "%\n")
		for _, v := range f.values {
			b.WriteString(v)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// FilesList renders the files entry: every member except the top-level
// dotfiles (.PKGINFO, .MTREE, .BUILDINFO, .INSTALL), sorted.
func (p *Package) FilesList() []byte {
	files := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		if f == "" || strings.HasPrefix(f, ".") {
			continue
		}
		files = append(files, f)
	}
	slices.Sort(files)

	var b bytes.Buffer
	b.WriteString("%FILES%\n")
	b.WriteString(strings.Join(files, "\n"))
	if len(files) > 0 {
		b.WriteByte('\n')
	}
	return b.Bytes()
}
