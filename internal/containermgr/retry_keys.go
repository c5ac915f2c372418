package containermgr

import "fmt"

// imageRetryKey and serviceRetryKey are the opaque Retry Manager keys
// for downloadImage and startContainer steps respectively.
func imageRetryKey(image string) string {
	return "image:" + image
}

func serviceRetryKey(appID, serviceID int) string {
	return fmt.Sprintf("service:%d:%d", appID, serviceID)
}
