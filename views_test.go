// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewModes(t *testing.T) {
	assert.Equal(t, []ModeID{1, 2, 3}, View{3, 1, 2}.Modes())
	assert.Equal(t, []ModeID{1, 2}, View{2, 1, 2, 1}.Modes())
	assert.Equal(t, []ModeID{5}, View{5}.Modes())
}

func TestViewSpecNumModes(t *testing.T) {
	assert.Equal(t, 4, ViewSpec{{1, 2, 3}, {1, 4}}.NumModes())
	assert.Equal(t, 7, ViewSpec{{7}}.NumModes())
	assert.Equal(t, 2, ViewSpec{{1, 2}, {2, 1}}.NumModes())
	assert.Equal(t, 0, ViewSpec{}.NumModes())
}

func TestViewSpecValidate(t *testing.T) {
	require.NoError(t, ViewSpec{{1, 2}, {1, 3}}.Validate())
	require.NoError(t, ViewSpec{{1}}.Validate())

	assert.Error(t, ViewSpec{}.Validate())
	assert.Error(t, ViewSpec{{1}, {}}.Validate())
	assert.Error(t, ViewSpec{{0, 1}}.Validate())
	assert.Error(t, ViewSpec{{-3}}.Validate())
}
