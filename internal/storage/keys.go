package storage

import "fmt"

// Artifact keys are deterministic and clip-scoped so reprocessing a clip
// overwrites its previous artifacts in place.

func AudioKey(clipID, ext string) string {
	return fmt.Sprintf("clips/%s/audio.%s", clipID, ext)
}

func WaveformKey(clipID string) string {
	return fmt.Sprintf("clips/%s/waveform.json", clipID)
}

func TranscriptWordsKey(clipID string) string {
	return fmt.Sprintf("clips/%s/transcript-words.json", clipID)
}

func ThumbnailKey(clipID, ext string) string {
	return fmt.Sprintf("clips/%s/thumbnail.%s", clipID, ext)
}

// UploadKey addresses the original, pre-transcode upload. It is kept for
// the lifetime of the clip's runs so retry and reprocess never need a
// re-upload.
func UploadKey(clipID, ext string) string {
	return fmt.Sprintf("uploads/%s/original.%s", clipID, ext)
}
