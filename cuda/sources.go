package cuda

// SourceUnit is one generated file: an identifier (the filename inside the
// library source directory) and its verbatim contents. Units are never
// mutated after creation.
type SourceUnit struct {
	Name string
	Code string
}
