// Package plan loads compilation unit trees from TOML plan files.
//
// A plan lists top-level methods, each with its message sends and its
// blocks. It stands in for the parse and scope stages that normally hand
// finalized units to the code generator:
//
//	package = "st/demo"
//
//	[[method]]
//	name = "Foo"
//	selector = "foo"
//
//	[method.body]
//	[[method.body.send]]
//	to = "self"
//	selector = "printNl"
//
//	[[method.body.block]]
//	label = "inner"
//	[[method.body.block.send]]
//	to = "int:3"
//	selector = "+"
//	args = ["int:4"]
//
// Block operands may name a block by its label ("block:inner"); the label
// is rewritten to the generated class name.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/redgen/codegen"
)

// File is a parsed plan file.
type File struct {
	Package string   `toml:"package"`
	Source  string   `toml:"source"`
	Methods []Method `toml:"method"`

	// Path is the file the plan was read from (set at load time).
	Path string `toml:"-"`
}

// Method is one top-level method.
type Method struct {
	Name     string  `toml:"name"`
	Selector string  `toml:"selector"`
	Sends    []Send  `toml:"send"`
	Body     *Block  `toml:"body"`  // method block forming the whole body
	Blocks   []Block `toml:"block"` // nested blocks directly in the method
}

// Block is a method block or a nested block literal.
type Block struct {
	Label  string  `toml:"label"`
	Sends  []Send  `toml:"send"`
	Blocks []Block `toml:"block"`
}

// Send is one message send in operand text form.
type Send struct {
	To       string   `toml:"to"`
	Selector string   `toml:"selector"`
	Args     []string `toml:"args"`
}

// Load reads and parses a plan file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	if f.Source == "" {
		f.Source = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".st"
	}
	return f, nil
}

// Parse decodes plan TOML. Unknown keys are rejected so that typos do not
// silently drop sends.
func Parse(data []byte) (*File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return &f, nil
}

// Units builds the unit trees described by the plan. defaultPkg is used
// when the plan names no package.
func (f *File) Units(defaultPkg string) ([]*codegen.Unit, error) {
	pkg := f.Package
	if pkg == "" {
		pkg = defaultPkg
	}
	seen := make(map[string]bool)
	var units []*codegen.Unit
	for i, m := range f.Methods {
		if m.Name == "" {
			return nil, fmt.Errorf("method %d has no name", i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("method %s defined twice", m.Name)
		}
		seen[m.Name] = true

		u := codegen.NewMethod(pkg, m.Name, m.Selector)
		u.Source = f.Source
		if _, err := codegen.Arity(m.Selector); err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}

		b := &builder{labels: make(map[string]string)}
		if err := b.fill(u, m.Sends, m.Blocks); err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}
		if m.Body != nil {
			body := u.AddMethodBlock()
			if err := b.label(m.Body.Label, body); err != nil {
				return nil, fmt.Errorf("method %s: %w", m.Name, err)
			}
			if err := b.fill(body, m.Body.Sends, m.Body.Blocks); err != nil {
				return nil, fmt.Errorf("method %s: %w", m.Name, err)
			}
		}
		b.resolveLabels(u)
		units = append(units, u)
	}
	return units, nil
}

// builder assigns block names in pre-order and tracks plan labels.
type builder struct {
	labels map[string]string // label -> generated class name
}

func (b *builder) label(label string, u *codegen.Unit) error {
	if label == "" {
		return nil
	}
	if _, dup := b.labels[label]; dup {
		return fmt.Errorf("block label %q used twice", label)
	}
	b.labels[label] = u.Name
	return nil
}

func (b *builder) fill(u *codegen.Unit, sends []Send, blocks []Block) error {
	for i, s := range sends {
		send, err := s.parse()
		if err != nil {
			return fmt.Errorf("%s send %d: %w", u.Name, i, err)
		}
		u.Sends = append(u.Sends, send)
	}
	for _, blk := range blocks {
		child := u.AddBlock()
		if err := b.label(blk.Label, child); err != nil {
			return err
		}
		if err := b.fill(child, blk.Sends, blk.Blocks); err != nil {
			return err
		}
	}
	return nil
}

// resolveLabels rewrites labelled block operands to class names.
func (b *builder) resolveLabels(root *codegen.Unit) {
	root.Walk(func(u *codegen.Unit) error {
		for i := range u.Sends {
			s := &u.Sends[i]
			s.Receiver = b.rewrite(s.Receiver)
			for j := range s.Args {
				s.Args[j] = b.rewrite(s.Args[j])
			}
		}
		return nil
	})
}

func (b *builder) rewrite(o codegen.Operand) codegen.Operand {
	if o.Kind != codegen.OperandBlock {
		return o
	}
	if name, ok := b.labels[o.Text]; ok {
		return codegen.BlockRef(name)
	}
	return o
}

func (s Send) parse() (codegen.Send, error) {
	if s.Selector == "" {
		return codegen.Send{}, fmt.Errorf("send has no selector")
	}
	to := s.To
	if to == "" {
		to = "prev"
	}
	recv, err := codegen.ParseOperand(to)
	if err != nil {
		return codegen.Send{}, fmt.Errorf("receiver: %w", err)
	}
	arity, err := codegen.Arity(s.Selector)
	if err != nil {
		return codegen.Send{}, err
	}
	if arity != len(s.Args) {
		return codegen.Send{}, fmt.Errorf("%s takes %d arguments, got %d", s.Selector, arity, len(s.Args))
	}
	send := codegen.Send{Receiver: recv, Selector: s.Selector}
	for i, a := range s.Args {
		op, err := codegen.ParseOperand(a)
		if err != nil {
			return codegen.Send{}, fmt.Errorf("argument %d: %w", i, err)
		}
		send.Args = append(send.Args, op)
	}
	return send, nil
}

// LoadAll loads every plan under the given paths. Directories are searched
// for *.toml files, non-recursively, in name order.
func LoadAll(paths []string) ([]*File, error) {
	var files []*File
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			f, err := Load(p)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.toml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			f, err := Load(m)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}
	}
	return files, nil
}
