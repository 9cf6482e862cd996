package cache

// deletedSet remembers recently deleted keys so late-arriving updates do
// not resurrect entities. Capacity-bounded FIFO: oldest suppressions age
// out first. Callers hold the owning table's lock.
type deletedSet struct {
	limit int
	order []string
	seen  map[string]struct{}
}

func newDeletedSet(limit int) *deletedSet {
	return &deletedSet{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

func (d *deletedSet) add(key string) {
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	for len(d.order) > d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}

func (d *deletedSet) has(key string) bool {
	_, ok := d.seen[key]
	return ok
}

// clear lifts the suppression when the entity is legitimately recreated.
func (d *deletedSet) clear(key string) {
	if _, ok := d.seen[key]; !ok {
		return
	}
	delete(d.seen, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
