package vm

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/daimatz/rjvm/pkg/classfile"
)

// ClassLoader finds classes the bundle does not hold yet. It returns the
// class and the namespace to register it under.
type ClassLoader interface {
	LoadClass(name string) (*classfile.ClassFile, string, error)
}

// jmodHeader prefixes the zip payload of a JDK jmod file.
var jmodHeader = []byte{'J', 'M', 0x01, 0x00}

// ArchiveClassLoader loads classes from a jar, zip, or jmod archive.
type ArchiveClassLoader struct {
	Path      string
	Namespace string
	Cache     map[string]*classfile.ClassFile
	prefix    string
	zipReader *zip.Reader
}

// NewArchiveClassLoader creates a loader for the archive at path.
func NewArchiveClassLoader(path, namespace string) *ArchiveClassLoader {
	return &ArchiveClassLoader{
		Path:      path,
		Namespace: namespace,
		Cache:     make(map[string]*classfile.ClassFile),
	}
}

func (cl *ArchiveClassLoader) ensureZipReader() error {
	if cl.zipReader != nil {
		return nil
	}

	data, err := classfile.ReadFile(cl.Path)
	if err != nil {
		return errors.Wrap(err, "archive")
	}

	// jmod files keep classes under classes/ behind a 4-byte header
	if bytes.HasPrefix(data, jmodHeader) {
		data = data[len(jmodHeader):]
		cl.prefix = "classes/"
	}
	cl.zipReader, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrapf(err, "archive: opening %s", cl.Path)
	}
	return nil
}

func (cl *ArchiveClassLoader) LoadClass(name string) (*classfile.ClassFile, string, error) {
	if cf, ok := cl.Cache[name]; ok {
		return cf, cl.Namespace, nil
	}

	if err := cl.ensureZipReader(); err != nil {
		return nil, "", err
	}

	target := cl.prefix + name + ".class"
	for _, file := range cl.zipReader.File {
		if file.Name != target {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, "", errors.Wrapf(err, "archive: opening %s", target)
		}
		defer rc.Close()

		cf, err := classfile.Parse(rc)
		if err != nil {
			return nil, "", errors.Wrapf(err, "archive: parsing %s", name)
		}
		cl.Cache[name] = cf
		return cf, cl.Namespace, nil
	}

	return nil, "", errors.Errorf("archive: class %s not found in %s", name, cl.Path)
}

// DirClassLoader loads classes from a directory tree laid out by package,
// delegating to the parent first.
type DirClassLoader struct {
	Dir       string
	Namespace string
	Parent    ClassLoader
	Cache     map[string]*classfile.ClassFile
}

// NewDirClassLoader creates a loader rooted at dir. parent may be nil.
func NewDirClassLoader(dir, namespace string, parent ClassLoader) *DirClassLoader {
	return &DirClassLoader{
		Dir:       dir,
		Namespace: namespace,
		Parent:    parent,
		Cache:     make(map[string]*classfile.ClassFile),
	}
}

func (cl *DirClassLoader) LoadClass(name string) (*classfile.ClassFile, string, error) {
	if cf, ok := cl.Cache[name]; ok {
		return cf, cl.Namespace, nil
	}
	if cl.Parent != nil {
		if cf, ns, err := cl.Parent.LoadClass(name); err == nil {
			return cf, ns, nil
		}
	}
	path := filepath.Join(cl.Dir, filepath.FromSlash(name)+".class")
	cf, err := classfile.ParseFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "dir: class %s not found", name)
	}
	if got := cf.ClassName(); got != name {
		return nil, "", errors.Errorf("dir: %s declares class %s, expected %s", path, got, name)
	}
	cl.Cache[name] = cf
	return cf, cl.Namespace, nil
}

// ChainLoader tries each loader in order.
type ChainLoader []ClassLoader

func (c ChainLoader) LoadClass(name string) (*classfile.ClassFile, string, error) {
	var errs []string
	for _, cl := range c {
		cf, ns, err := cl.LoadClass(name)
		if err == nil {
			return cf, ns, nil
		}
		errs = append(errs, err.Error())
	}
	return nil, "", errors.Errorf("class %s not found: %s", name, strings.Join(errs, "; "))
}

// NewPathLoader builds a loader for one class path entry: archives by
// extension, directories otherwise.
func NewPathLoader(path, namespace string) (ClassLoader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "class path")
	}
	if info.IsDir() {
		return NewDirClassLoader(path, namespace, nil), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jar", ".zip", ".jmod":
		return NewArchiveClassLoader(path, namespace), nil
	}
	return nil, errors.Errorf("class path: %s is neither a directory nor an archive", path)
}
