package utils

// InsertIfCapacityRemains es la política de retención de todas las tablas acotadas:
// primero en llegar, primero servido. Si key ya existe devuelve la entrada actual;
// si no existe y la tabla tiene menos de limit entradas, la crea con create().
// Con la tabla llena la clave nueva se descarta (ok=false) y las existentes
// no se tocan. Sin LRU ni expulsión.
func InsertIfCapacityRemains[K comparable, V any](m map[K]V, key K, limit int, create func() V) (v V, created bool, ok bool) {
	if cur, exists := m[key]; exists {
		return cur, false, true
	}
	if limit > 0 && len(m) >= limit {
		var zero V
		return zero, false, false
	}
	v = create()
	m[key] = v
	return v, true, true
}
