package media

// FileEngine is the production decode engine: assets come straight from the
// filesystem, probed once at open.
type FileEngine struct {
	prefetchFrames int
}

// NewFileEngine creates the filesystem-backed decode engine. prefetchFrames
// sets how many frames background prefetch decodes ahead of the playhead;
// zero or negative selects the built-in default.
func NewFileEngine(prefetchFrames int) *FileEngine {
	return &FileEngine{prefetchFrames: prefetchFrames}
}

// Open probes the file and returns an asset handle. Probe failures come
// back as *OpenError for the offline registry.
func (e *FileEngine) Open(path string) (Asset, error) {
	info, err := ProbeAsset(path)
	if err != nil {
		return nil, err
	}
	return &fileAsset{info: *info, prefetchFrames: e.prefetchFrames}, nil
}

type fileAsset struct {
	info           AssetInfo
	prefetchFrames int
}

func (a *fileAsset) Info() AssetInfo { return a.info }

// NewReader creates an independent reader with its own decode cursor
func (a *fileAsset) NewReader() (Reader, error) {
	return &fileReader{
		info:           a.info,
		native:         a.info.HasAudio && nativeFormat(a.info.Path),
		prefetchFrames: a.prefetchFrames,
	}, nil
}

func (a *fileAsset) Close() error { return nil }
