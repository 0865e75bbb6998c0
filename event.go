// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

// Placeholder is the marker passed to Listener.ImageLoading. It tells the
// receiver to show a placeholder until the real image is ready.
const Placeholder = "loading"

// Listener is the interface implemented to receive events from the Manager.
// The methods are never called while the Manager holds its internal lock, so
// it is safe to call back into the Manager from them. For a single request,
// ImageLoading is always delivered before the terminating ImageReady or
// ImageFailed.
type Listener interface {
	// ImageReady is called when the image for rawURL is available at the
	// location path.
	ImageReady(path, rawURL string)

	// ImageLoading is called when rawURL was not found in the cache and has
	// been queued for download.
	ImageLoading(rawURL, placeholder string)

	// ImageFailed is called when the image for rawURL could not be
	// downloaded, decoded or stored. It always terminates a request that
	// was announced with ImageLoading, unless the request was resolved
	// with ImageReady.
	ImageFailed(rawURL string, err error)

	// IdentityChanged is called when the cache identity was changed.
	IdentityChanged(id string)

	// SizeLimitChanged is called when the cache size limit was changed.
	SizeLimitChanged(limit int)
}

// ListenerFuncs is a Listener calling the non-nil functions. Nil functions
// ignore the event.
type ListenerFuncs struct {
	OnReady            func(path, rawURL string)
	OnLoading          func(rawURL, placeholder string)
	OnFailed           func(rawURL string, err error)
	OnIdentityChanged  func(id string)
	OnSizeLimitChanged func(limit int)
}

// ImageReady implements Listener.
func (l *ListenerFuncs) ImageReady(path, rawURL string) {
	if l.OnReady != nil {
		l.OnReady(path, rawURL)
	}
}

// ImageLoading implements Listener.
func (l *ListenerFuncs) ImageLoading(rawURL, placeholder string) {
	if l.OnLoading != nil {
		l.OnLoading(rawURL, placeholder)
	}
}

// ImageFailed implements Listener.
func (l *ListenerFuncs) ImageFailed(rawURL string, err error) {
	if l.OnFailed != nil {
		l.OnFailed(rawURL, err)
	}
}

// IdentityChanged implements Listener.
func (l *ListenerFuncs) IdentityChanged(id string) {
	if l.OnIdentityChanged != nil {
		l.OnIdentityChanged(id)
	}
}

// SizeLimitChanged implements Listener.
func (l *ListenerFuncs) SizeLimitChanged(limit int) {
	if l.OnSizeLimitChanged != nil {
		l.OnSizeLimitChanged(limit)
	}
}

// event is a deferred Listener call collected while the lock is held.
type event func(Listener)

func readyEvent(path, rawURL string) event {
	return func(l Listener) { l.ImageReady(path, rawURL) }
}

func loadingEvent(rawURL string) event {
	return func(l Listener) { l.ImageLoading(rawURL, Placeholder) }
}

func failedEvent(rawURL string, err error) event {
	return func(l Listener) { l.ImageFailed(rawURL, err) }
}
