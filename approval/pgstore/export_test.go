package pgstore

// SetOnConflict installs a hook that runs after Create collides with a
// pending request and before that request is loaded.
func (s *Store) SetOnConflict(f func()) { s.onConflict = f }
