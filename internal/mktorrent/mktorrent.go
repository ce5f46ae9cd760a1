package mktorrent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
)

// Piece size used for created torrents, 512 KiB
const pieceLength = 1 << 19

// Maker builds private .torrent files for finished downloads
type Maker struct {
	announce string
	source   string
	logger   *logrus.Logger
}

// NewMaker creates a torrent maker for the given announce URL and source
// field
func NewMaker(announce, source string, logger *logrus.Logger) *Maker {
	return &Maker{
		announce: announce,
		source:   source,
		logger:   logger,
	}
}

// Make hashes the payload and writes a private torrent file. A stale
// torrent file at the target path is deleted and recreated once.
func (m *Maker) Make(ctx context.Context, torrentPath, sourcePath string) error {
	info := metainfo.Info{PieceLength: pieceLength}
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return fmt.Errorf("failed to hash %s: %w", sourcePath, err)
	}
	private := true
	info.Private = &private
	info.Source = m.source

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode torrent info: %w", err)
	}
	mi := &metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		Announce:     m.announce,
		CreationDate: time.Now().Unix(),
	}
	return m.write(torrentPath, mi, true)
}

func (m *Maker) write(torrentPath string, mi *metainfo.MetaInfo, retry bool) error {
	f, err := os.OpenFile(torrentPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if retry && os.IsExist(err) {
			m.logger.WithField("torrent", torrentPath).Warn("Torrent already exists; deleting and re-creating")
			if err := os.Remove(torrentPath); err != nil {
				return fmt.Errorf("failed to remove stale torrent file: %w", err)
			}
			return m.write(torrentPath, mi, false)
		}
		return fmt.Errorf("failed to create torrent file: %w", err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write torrent file: %w", err)
	}
	return f.Close()
}
