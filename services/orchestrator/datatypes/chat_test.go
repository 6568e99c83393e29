// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatStreamRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatStreamRequest
		wantErr bool
	}{
		{
			name: "valid request",
			req:  ChatStreamRequest{Message: "how was Q3?", SessionID: "sess-1"},
		},
		{
			name:    "missing message",
			req:     ChatStreamRequest{SessionID: "sess-1"},
			wantErr: true,
		},
		{
			name:    "whitespace only message",
			req:     ChatStreamRequest{Message: "   \n\t", SessionID: "sess-1"},
			wantErr: true,
		},
		{
			name:    "missing session id",
			req:     ChatStreamRequest{Message: "hello"},
			wantErr: true,
		},
		{
			name:    "blank session id",
			req:     ChatStreamRequest{Message: "hello", SessionID: "  "},
			wantErr: true,
		},
		{
			name:    "message over the byte cap",
			req:     ChatStreamRequest{Message: strings.Repeat("a", MaxMessageContentBytes+1), SessionID: "sess-1"},
			wantErr: true,
		},
		{
			name: "message exactly at the byte cap",
			req:  ChatStreamRequest{Message: strings.Repeat("a", MaxMessageContentBytes), SessionID: "sess-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
