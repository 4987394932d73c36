package main

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/room4-2/voicedesk/audio"
)

const soxFrameSize = audio.WireSampleRate / 50 // 20ms

// soxOutput is an audio.OutputDevice that pipes PCM16 into sox, for hosts
// built without the portaudio backend.
type soxOutput struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
}

func openSox() (audio.OutputDevice, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", strconv.Itoa(audio.WireSampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sox (is it installed?): %w", err)
	}
	return &soxOutput{cmd: cmd, stdin: stdin}, nil
}

func (s *soxOutput) SampleRate() int { return audio.WireSampleRate }
func (s *soxOutput) FrameSize() int  { return soxFrameSize }

// Write blocks once the pipe is full, which paces the renderer at the
// playback rate.
func (s *soxOutput) Write(frame []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	pcm := make([]int16, len(frame))
	for i, v := range frame {
		pcm[i] = audio.FloatToPCM16(v)
	}
	_, err := s.stdin.Write(audio.PCM16ToBytes(pcm))
	return err
}

func (s *soxOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	return s.cmd.Wait()
}
