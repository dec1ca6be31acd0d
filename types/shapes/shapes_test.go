/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.False(t, shape0.IsEmpty())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Len(t, shape1.Dimensions, 3)
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
	require.NoError(t, shape1.Check(Float32, 4, UncheckedAxis, 2))
	require.Error(t, shape1.Check(Float64, 4, 3, 2))
	require.Error(t, shape1.CheckDims(4, 3))
	require.Error(t, shape1.CheckDims(4, 1, 2))
	require.NoError(t, shape1.CheckSame(Make(Float32, 4, 3, 2)))
	require.Error(t, shape1.CheckSame(Make(Float64, 4, 3, 2)))
	require.Error(t, shape1.CheckSame(Make(Float32, 4, 3)))
	require.Error(t, shape1.CheckSame(Invalid()))

	shape2 := Make(Int32, 0, 3)
	require.True(t, shape2.Ok())
	require.True(t, shape2.IsEmpty())
	require.Equal(t, 0, shape2.Size())
	require.Equal(t, 0, int(shape2.Memory()))

	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(Make(Float64, 4, 3, 2)))
	require.True(t, shape1.EqualDimensions(Make(Float64, 4, 3, 2)))
}

func TestMakeNegativeDimension(t *testing.T) {
	err := exceptions.TryCatch[error](func() { _ = Make(Float32, 2, -1) })
	require.Error(t, err)

	err = exceptions.TryCatch[error](func() { _ = Make(Float32, 2, 3).Dim(2) })
	require.Error(t, err)
}
