package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken signs a message id so the open/click endpoints can reject
// forged ids.
func TrackingToken(secret, messageID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// VerifyTrackingToken reports whether token was issued for messageID.
func VerifyTrackingToken(secret, messageID, token string) bool {
	return hmac.Equal([]byte(TrackingToken(secret, messageID)), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, secret, messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", strings.TrimRight(baseURL, "/"), messageID, TrackingToken(secret, messageID))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, secret, messageID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		strings.TrimRight(baseURL, "/"), messageID, TrackingToken(secret, messageID), url.QueryEscape(originalURL))
}

// InjectTracking rewrites every <a href="..."> to the click endpoint and
// appends the open pixel. mailto: and anchor links are left alone.
func InjectTracking(htmlContent, baseURL, secret, messageID string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		GenerateTrackingPixelURL(baseURL, secret, messageID))
	return injectClickTracking(htmlContent, baseURL, secret, messageID) + pixel
}

func injectClickTracking(html, baseURL, secret, messageID string) string {
	const startTag = `<a href="`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.IndexByte(html[startIdx:], '"')
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if !strings.HasPrefix(originalURL, "http://") && !strings.HasPrefix(originalURL, "https://") {
			offset = endIdx
			continue
		}
		trackedURL := GenerateClickTrackURL(baseURL, secret, messageID, originalURL)
		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
