package store

// Nullable column helpers. Domain structs use zero values for "absent";
// these map zero to NULL on write so partial indexes and reports treat
// missing data uniformly.

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullF64(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func nullI64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
