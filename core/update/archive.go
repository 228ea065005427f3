package update

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"

	"github.com/updraft-io/updraft/core/infra/logging"
)

const maxMetaFileSize = 1 << 20

// archiveInfo is what zip inspection recovers from a downloaded artifact.
type archiveInfo struct {
	// ForgeID is the first mod identifier declared in mcmod.info, empty
	// when the file is absent or unparseable.
	ForgeID string
	// HasPackMeta reports whether pack.mcmeta exists at the archive root.
	HasPackMeta bool
}

// inspectArchive opens payload as a zip and extracts catalog metadata. A
// payload that is not a valid zip returns a corrupt_archive error; malformed
// metadata inside a valid zip is tolerated and logged.
func inspectArchive(payload []byte) (archiveInfo, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return archiveInfo{}, Wrap(CodeCorruptArchive, err, "artifact is not a valid archive")
	}
	var info archiveInfo
	for _, f := range reader.File {
		switch f.Name {
		case "mcmod.info":
			info.ForgeID = readForgeID(f)
		case "pack.mcmeta":
			info.HasPackMeta = true
		}
	}
	return info, nil
}

// readForgeID parses mcmod.info and returns the first declared modid. The
// file ships in two shapes in the wild, a bare array and a modList wrapper,
// and is frequently malformed; any parse failure yields an empty id.
func readForgeID(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		logging.Info("update", "could not open mcmod.info", "error", err)
		return ""
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxMetaFileSize))
	if err != nil {
		logging.Info("update", "could not read mcmod.info", "error", err)
		return ""
	}

	var entries []struct {
		ModID string `json:"modid"`
	}
	if err := json.Unmarshal(data, &entries); err == nil && len(entries) > 0 {
		return entries[0].ModID
	}
	var wrapped struct {
		ModList []struct {
			ModID string `json:"modid"`
		} `json:"modList"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.ModList) > 0 {
		return wrapped.ModList[0].ModID
	}
	logging.Info("update", "mcmod.info unparseable, keeping caller forge id")
	return ""
}
