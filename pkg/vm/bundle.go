package vm

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/daimatz/rjvm/pkg/classfile"
)

const defaultMethodCacheSize = 256

type bundleEntry struct {
	class     *classfile.ClassFile
	namespace string
}

type resolvedMethod struct {
	class  *classfile.ClassFile
	method *classfile.MethodInfo
}

type layoutField struct {
	owner, name, desc string
}

// fieldLayout is the instance slot order of a class: inherited fields first.
type fieldLayout struct {
	fields []layoutField
}

// Bundle is an ordered registry of loaded classes. The most recently added
// class is found first. Entries are kept oldest first and scanned from the
// tail.
type Bundle struct {
	entries []bundleEntry
	methods *lru.Cache
	layouts map[*classfile.ClassFile]*fieldLayout
	log     commonlog.Logger
}

// NewBundle creates an empty bundle whose method resolution cache holds up to
// cacheSize entries. A non-positive size selects the default.
func NewBundle(cacheSize int) *Bundle {
	if cacheSize <= 0 {
		cacheSize = defaultMethodCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		panic(err)
	}
	return &Bundle{
		methods: cache,
		layouts: make(map[*classfile.ClassFile]*fieldLayout),
		log:     commonlog.GetLogger("rjvm.bundle"),
	}
}

// Add registers cf under namespace at the head of the bundle.
func (b *Bundle) Add(cf *classfile.ClassFile, namespace string) {
	b.entries = append(b.entries, bundleEntry{class: cf, namespace: namespace})
	b.methods.Purge()
	b.layouts = make(map[*classfile.ClassFile]*fieldLayout)
	b.log.Debugf("added class %s (namespace %q, %d classes)", cf.ClassName(), namespace, len(b.entries))
}

// Len returns the number of registered classes.
func (b *Bundle) Len() int { return len(b.entries) }

// Classes returns the registered classes, newest first.
func (b *Bundle) Classes() []*classfile.ClassFile {
	classes := make([]*classfile.ClassFile, 0, len(b.entries))
	for i := len(b.entries) - 1; i >= 0; i-- {
		classes = append(classes, b.entries[i].class)
	}
	return classes
}

// Namespace returns the namespace cf was added under.
func (b *Bundle) Namespace(cf *classfile.ClassFile) (string, bool) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if e := b.entries[i]; e.class == cf {
			return e.namespace, true
		}
	}
	return "", false
}

// FindClass returns the first class named name in any namespace.
func (b *Bundle) FindClass(name string) (*classfile.ClassFile, error) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if e := b.entries[i]; e.class.ClassName() == name {
			return e.class, nil
		}
	}
	return nil, newError(CodeClassNotFound, "%s", name)
}

// FindClassIn returns the first class named name registered under namespace.
func (b *Bundle) FindClassIn(namespace, name string) (*classfile.ClassFile, error) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if e := b.entries[i]; e.namespace == namespace && e.class.ClassName() == name {
			return e.class, nil
		}
	}
	return nil, newError(CodeClassNotFound, "%s in namespace %q", name, namespace)
}

// FindMethod looks up a method declared by cf itself. Name and descriptor
// must both match exactly.
func (b *Bundle) FindMethod(cf *classfile.ClassFile, name, desc string) (*classfile.MethodInfo, error) {
	if m := cf.FindMethod(name, desc); m != nil {
		return m, nil
	}
	return nil, newError(CodeMethodNotFound, "%s.%s%s", cf.ClassName(), name, desc)
}

// Super resolves the super class of cf. A root class yields nil without an
// error.
func (b *Bundle) Super(cf *classfile.ClassFile) (*classfile.ClassFile, error) {
	name := cf.SuperClassName()
	if name == "" {
		return nil, nil
	}
	super, err := b.FindClass(name)
	if err != nil {
		return nil, newError(CodeSuperMissing, "%s extends %s", cf.ClassName(), name)
	}
	return super, nil
}

// FindVirtual looks up a method in cf and then in its super classes.
func (b *Bundle) FindVirtual(cf *classfile.ClassFile, name, desc string) (*classfile.ClassFile, *classfile.MethodInfo, error) {
	start := cf.ClassName()
	for steps := 0; cf != nil && steps <= len(b.entries); steps++ {
		if m := cf.FindMethod(name, desc); m != nil {
			return cf, m, nil
		}
		super, err := b.Super(cf)
		if err != nil {
			return nil, nil, err
		}
		cf = super
	}
	return nil, nil, newError(CodeMethodNotFound, "%s.%s%s", start, name, desc)
}

// ResolveMethod finds className and then name/desc on it or its super
// classes. Results are cached until the next Add.
func (b *Bundle) ResolveMethod(className, name, desc string) (*classfile.ClassFile, *classfile.MethodInfo, error) {
	key := className + "." + name + desc
	if v, ok := b.methods.Get(key); ok {
		r := v.(*resolvedMethod)
		return r.class, r.method, nil
	}
	cf, err := b.FindClass(className)
	if err != nil {
		return nil, nil, err
	}
	owner, m, err := b.FindVirtual(cf, name, desc)
	if err != nil {
		return nil, nil, err
	}
	b.methods.Add(key, &resolvedMethod{class: owner, method: m})
	return owner, m, nil
}

// FindStaticField returns the class declaring the static field name:desc,
// searching cf and then its super classes.
func (b *Bundle) FindStaticField(cf *classfile.ClassFile, name, desc string) (*classfile.ClassFile, error) {
	start := cf.ClassName()
	for steps := 0; cf != nil && steps <= len(b.entries); steps++ {
		if f := cf.FindField(name, desc); f != nil && f.IsStatic() {
			return cf, nil
		}
		super, err := b.Super(cf)
		if err != nil {
			return nil, err
		}
		cf = super
	}
	return nil, newError(CodeFieldNotFound, "static %s.%s:%s", start, name, desc)
}

// IsSubclass reports whether cf is target or extends or implements it.
func (b *Bundle) IsSubclass(cf *classfile.ClassFile, target string) (bool, error) {
	seen := make(map[*classfile.ClassFile]bool)
	for cf != nil && !seen[cf] {
		seen[cf] = true
		if cf.ClassName() == target || b.implements(cf, target, seen) {
			return true, nil
		}
		super, err := b.Super(cf)
		if err != nil {
			return false, err
		}
		cf = super
	}
	return false, nil
}

// implements checks the interfaces of cf, following those the bundle knows.
func (b *Bundle) implements(cf *classfile.ClassFile, target string, seen map[*classfile.ClassFile]bool) bool {
	for _, name := range cf.InterfaceNames() {
		if name == target {
			return true
		}
		iface, err := b.FindClass(name)
		if err != nil || seen[iface] {
			continue
		}
		seen[iface] = true
		if b.implements(iface, target, seen) {
			return true
		}
	}
	return false
}

// IsInstanceOf checks obj against className. Strings are instances of
// java/lang/String and java/lang/Object; arrays of their own descriptor and
// java/lang/Object. A broken super chain reports ErrSuperMissing unless a
// match was found before the break.
func (b *Bundle) IsInstanceOf(obj *Object, className string) (bool, error) {
	switch obj.Kind {
	case KindString:
		return className == "java/lang/String" || className == "java/lang/Object", nil
	case KindArray:
		return className == obj.Descriptor || className == "java/lang/Object", nil
	}
	return b.IsSubclass(obj.Class, className)
}

// layout computes the instance slot order of cf. Supers the bundle cannot
// resolve contribute no slots.
func (b *Bundle) layout(cf *classfile.ClassFile) *fieldLayout {
	if l, ok := b.layouts[cf]; ok {
		return l
	}
	var chain []*classfile.ClassFile
	seen := make(map[*classfile.ClassFile]bool)
	for c := cf; c != nil && !seen[c]; {
		seen[c] = true
		chain = append(chain, c)
		c, _ = b.Super(c)
	}

	l := &fieldLayout{}
	for i := len(chain) - 1; i >= 0; i-- {
		owner := chain[i].ClassName()
		for _, f := range chain[i].Fields {
			if !f.IsStatic() {
				l.fields = append(l.fields, layoutField{owner: owner, name: f.Name, desc: f.Descriptor})
			}
		}
	}
	b.layouts[cf] = l
	return l
}

// fieldSlot returns the slot of the instance field name:desc as seen from
// className. The slot is valid for any instance of className or a subclass.
func (b *Bundle) fieldSlot(className, name, desc string) (int, error) {
	cf, err := b.FindClass(className)
	if err != nil {
		return 0, err
	}
	l := b.layout(cf)
	for i := len(l.fields) - 1; i >= 0; i-- {
		if f := l.fields[i]; f.name == name && f.desc == desc {
			return i, nil
		}
	}
	return 0, newError(CodeFieldNotFound, "%s.%s:%s", className, name, desc)
}
