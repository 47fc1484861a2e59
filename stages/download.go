package stages

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"

	"github.com/ironledger/updateverify/status"
)

// StartDownload builds the canonical artifact URL for the selected
// version and launches an async download into baseDir, wiring progress
// and completion straight into st (spec §4.6). onDone, if non-nil, is
// invoked after the status has recorded the result — it lets the driver
// trigger the next FSM transition without polling.
func StartDownload(ctx context.Context, st *status.Status, downloader Downloader, urlBuilder URLBuilder, baseDir, subchannel string, onDone func(success bool)) (Download, error) {
	software := st.Software()
	buildtag := st.Buildtag()
	version := st.SelectedVersion()

	url, err := urlBuilder.BuildUpdateURL(software, subchannel, buildtag, version)
	if err != nil {
		st.AddMessage(fmt.Sprintf("cannot build download url: %v", err))
		return nil, err
	}

	prefix, err := randomPrefix()
	if err != nil {
		return nil, fmt.Errorf("generate temp file prefix: %w", err)
	}
	downloadPath := filepath.Join(baseDir, fmt.Sprintf("%s-%s", prefix, path.Base(url)))
	st.SetDownloadPath(downloadPath)
	st.PublishDownloadStarted()

	onProgress := func(done, total int64) {
		st.PublishDownloadProgress(done, total)
	}
	onResult := func(success bool) {
		st.SetDownloadResult(true, success)
		if onDone != nil {
			onDone(success)
		}
	}

	return downloader.DownloadAsync(ctx, downloadPath, url, onProgress, onResult), nil
}

func randomPrefix() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
