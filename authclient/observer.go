package authclient

// Observer receives progress events from the client. Methods may be called
// from several goroutines at once.
type Observer interface {
	AccessTokenRejected(method, path string)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	WaiterQueued()
	Replaying(method, path string)
	SessionEnded(err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) AccessTokenRejected(_, _ string) {}
func (NopObserver) Refreshing()                     {}
func (NopObserver) RefreshOK()                      {}
func (NopObserver) RefreshFailed(_ error)           {}
func (NopObserver) WaiterQueued()                   {}
func (NopObserver) Replaying(_, _ string)           {}
func (NopObserver) SessionEnded(_ error)            {}
