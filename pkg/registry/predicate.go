package registry

import "reflect"

// Predicate selects node documents during a search.
type Predicate interface {
	// Path is the attribute path the predicate inspects; remote indexes
	// receive only this.
	Path() string
	Match(doc *Document) bool
}

type hasAttribute string

// HasAttribute matches documents with a non-empty value at path.
func HasAttribute(path string) Predicate {
	return hasAttribute(path)
}

// AnnouncePath is the search path for an announcement key.
func AnnouncePath(fullname string) string {
	return AnnouncesField + "." + fullname
}

func (p hasAttribute) Path() string { return string(p) }

func (p hasAttribute) Match(doc *Document) bool {
	if doc == nil {
		return false
	}
	v, ok := doc.Lookup(string(p))
	return ok && !isEmpty(v)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if a, ok := v.(*Announces); ok {
		return a.Len() == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
