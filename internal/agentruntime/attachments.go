package agentruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iiagent/coreserver/internal/models"
)

// imageMediaTypes maps the file extensions treated as image attachments
// to their MIME type. jpg normalizes to image/jpeg.
var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// buildAttachmentBlocks reads each referenced path: image-extensioned files
// become base64-encoded UserBlock images; everything else is listed
// textually by path.
func buildAttachmentBlocks(paths []string) ([]models.UserBlock, error) {
	var blocks []models.UserBlock
	var otherPaths []string

	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		mediaType, isImage := imageMediaTypes[ext]
		if !isImage {
			otherPaths = append(otherPaths, p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("agentruntime: read attachment %q: %w", p, err)
		}
		blocks = append(blocks, models.NewUserImage(data, mediaType))
	}

	if len(otherPaths) > 0 {
		blocks = append(blocks, models.NewUserText("Additional files referenced:\n"+strings.Join(otherPaths, "\n")))
	}

	return blocks, nil
}
