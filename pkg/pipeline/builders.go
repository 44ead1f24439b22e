package pipeline

import (
	"fmt"
	"time"
)

// CameraLaunch captures a libcamera sensor at 1280x720@30, rotates it by 180
// degrees and encodes baseline H264 for low latency playback.
func CameraLaunch(cameraName string) string {
	return fmt.Sprintf("libcamerasrc camera-name=%s ! "+
		"videoconvert ! "+
		"video/x-raw,format=I420 ! "+
		"videoscale ! "+
		"video/x-raw,width=1280,height=720,framerate=30/1 ! "+
		"videoflip video-direction=2 ! "+
		"queue ! "+
		"x264enc tune=zerolatency bitrate=2000 speed-preset=superfast ! "+
		"video/x-h264,profile=baseline ! "+
		"queue ! "+
		"rtph264pay config-interval=1 name=%s pt=%d", quote(cameraName), PayloaderName, DefaultPayloadType)
}

// RestreamLaunch pulls an H264 RTSP source and payloads it again untouched.
func RestreamLaunch(location string, latency time.Duration) string {
	return fmt.Sprintf("rtspsrc location=%s latency=%d ! "+
		"rtph264depay ! "+
		"h264parse ! "+
		"queue ! "+
		"rtph264pay config-interval=1 name=%s pt=%d", quote(location), latency.Milliseconds(), PayloaderName, DefaultPayloadType)
}
